package history

import (
	"context"
	"fmt"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createHistoryTable = `
	CREATE TABLE IF NOT EXISTS chat_history (
		seq         BIGSERIAL PRIMARY KEY,
		collection  TEXT NOT NULL,
		entry_id    TEXT NOT NULL,
		ts          TEXT NOT NULL,
		entry       JSONB NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// PostgresStore appends history records to the chat_history table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createHistoryTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}

	logger.Info("Connected to history database successfully")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, rec models.HistoryRecord) error {
	query := `INSERT INTO chat_history (collection, entry_id, ts, entry) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, query, rec.Collection, rec.ID, rec.Timestamp, []byte(rec.Entry))
	return err
}

func (s *PostgresStore) List(ctx context.Context) ([]models.HistoryRecord, error) {
	query := `SELECT collection, entry_id, ts, entry FROM chat_history ORDER BY seq`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.HistoryRecord{}
	for rows.Next() {
		var rec models.HistoryRecord
		var entry []byte
		if err := rows.Scan(&rec.Collection, &rec.ID, &rec.Timestamp, &entry); err != nil {
			return nil, err
		}
		rec.Entry = entry
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
