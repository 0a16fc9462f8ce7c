package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"chat-relay/internal/models"

	"github.com/cockroachdb/pebble"
)

const pebblePrefix = "history:"

// PebbleStore appends history records to an embedded pebble database,
// keyed by a zero-padded sequence so iteration order is append order.
type PebbleStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	seq uint64
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble history %s: %w", dir, err)
	}

	s := &PebbleStore{db: db}
	seq, err := s.lastSeq()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.seq = seq
	return s, nil
}

func pebbleKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", pebblePrefix, seq))
}

func pebbleBounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(pebblePrefix),
		UpperBound: []byte(pebblePrefix[:len(pebblePrefix)-1] + ";"),
	}
}

func (s *PebbleStore) lastSeq() (uint64, error) {
	iter, err := s.db.NewIter(pebbleBounds())
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(string(iter.Key()), pebblePrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt history key %q: %w", iter.Key(), err)
	}
	return seq, nil
}

func (s *PebbleStore) Append(ctx context.Context, rec models.HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.seq + 1
	if err := s.db.Set(pebbleKey(next), data, pebble.Sync); err != nil {
		return fmt.Errorf("write history record: %w", err)
	}
	s.seq = next
	return nil
}

func (s *PebbleStore) List(ctx context.Context) ([]models.HistoryRecord, error) {
	iter, err := s.db.NewIter(pebbleBounds())
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := []models.HistoryRecord{}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec models.HistoryRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode history record %q: %w", iter.Key(), err)
		}
		records = append(records, rec)
	}
	return records, iter.Error()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
