package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"chat-relay/internal/config"
	"chat-relay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string) models.HistoryRecord {
	return models.HistoryRecord{
		Collection: models.CollectionMessages,
		ID:         id,
		Timestamp:  "2024-05-01T10:00:00.000Z",
		Entry:      json.RawMessage(fmt.Sprintf(`{"id":%q,"message":"hi"}`, id)),
	}
}

func ids(records []models.HistoryRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestFileStoreAppendAndList(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.json")
	s := NewFileStore(path)

	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, s.Append(ctx, record("a")))
	require.NoError(t, s.Append(ctx, record("b")))

	records, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(records))
	assert.JSONEq(t, `{"id":"a","message":"hi"}`, string(records[0].Entry))

	// the file on disk is a plain JSON array
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Len(t, onDisk, 2)
}

func TestFileStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(filepath.Join(t.TempDir(), "history.json"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, record(fmt.Sprintf("m%d", i))))
		}(i)
	}
	wg.Wait()

	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := NewFileStore(path)
	assert.Error(t, s.Append(context.Background(), record("a")))
}

func TestFileStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewFileStore(filepath.Join(t.TempDir(), "history.json"))
	assert.ErrorIs(t, s.Append(ctx, record("a")), context.Canceled)
}

func TestPebbleStoreAppendListReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "pebble")

	s, err := NewPebbleStore(dir)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(ctx, record(id)))
	}
	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(records))
	require.NoError(t, s.Close())

	// sequence resumes after reopen
	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Append(ctx, record("d")))

	records, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(records))
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.HistoryConfig{Backend: config.HistoryBackendNone})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)
	require.NoError(t, s.Append(ctx, record("a")))
	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	s, err = Open(ctx, config.HistoryConfig{Backend: config.HistoryBackendFile, Path: filepath.Join(t.TempDir(), "h.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, config.HistoryConfig{Backend: config.HistoryBackendPebble, PebbleDir: filepath.Join(t.TempDir(), "p")})
	require.NoError(t, err)
	assert.IsType(t, &PebbleStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.HistoryConfig{Backend: "mongo"})
	assert.Error(t, err)
}
