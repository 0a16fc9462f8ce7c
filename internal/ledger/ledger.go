// Package ledger holds the general chat messages and the ticket chat notes.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/history"
	"chat-relay/internal/metrics"
	"chat-relay/internal/models"
	"chat-relay/pkg/logger"

	"github.com/google/uuid"
)

const (
	maxIDAttempts       = 8
	defaultHistoryQueue = 256
)

type pendingRecord struct {
	ctx    context.Context
	record models.HistoryRecord
}

// Ledger owns both collections. Ids are never reused within the process,
// including ids of deleted messages.
type Ledger struct {
	mu       sync.RWMutex
	messages []models.ChatMessage
	notes    []models.TicketChatNote
	issued   map[string]struct{}

	history        history.Store
	historyTimeout time.Duration
	queueSize      int

	// history writes leave the mutation path through pending and are
	// applied in ledger order by a single writer goroutine.
	pending   chan pendingRecord
	writerMu  sync.RWMutex
	closed    bool
	writerEnd chan struct{}

	newID func() string
	now   func() time.Time
}

type Option func(*Ledger)

// WithIDGenerator overrides the id source.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) { l.newID = fn }
}

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) { l.now = fn }
}

// WithHistoryTimeout bounds each history write.
func WithHistoryTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.historyTimeout = d }
}

// WithHistoryQueue sets how many history writes may wait for the backend
// before new ones are dropped.
func WithHistoryQueue(n int) Option {
	return func(l *Ledger) { l.queueSize = n }
}

// New builds a ledger and starts its history writer. Call Close to flush
// pending writes before closing store.
func New(store history.Store, opts ...Option) *Ledger {
	if store == nil {
		store = history.Nop{}
	}
	l := &Ledger{
		issued:         make(map[string]struct{}),
		history:        store,
		historyTimeout: 5 * time.Second,
		queueSize:      defaultHistoryQueue,
		newID:          uuid.NewString,
		now:            time.Now,
		writerEnd:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.queueSize < 1 {
		l.queueSize = 1
	}
	l.pending = make(chan pendingRecord, l.queueSize)
	go l.writeHistory()
	return l
}

// Close stops accepting history writes and waits until the queued ones
// have reached the backend. Appends keep working afterwards but are no
// longer recorded.
func (l *Ledger) Close() {
	l.writerMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.pending)
	}
	l.writerMu.Unlock()
	<-l.writerEnd
}

// Validate checks the required fields of a submission.
func Validate(sub models.Submission) error {
	if missing := sub.Missing(); len(missing) > 0 {
		return &models.ValidationError{Missing: missing}
	}
	return nil
}

// AppendMessage adds a general message and returns it together with the
// collection as it stood right after the append.
func (l *Ledger) AppendMessage(ctx context.Context, sub models.Submission, fileURL *string) (models.ChatMessage, []models.ChatMessage, error) {
	sub.Normalize()
	if err := Validate(sub); err != nil {
		return models.ChatMessage{}, nil, err
	}

	l.mu.Lock()
	base, err := l.stampLocked(sub, fileURL)
	if err != nil {
		l.mu.Unlock()
		return models.ChatMessage{}, nil, err
	}
	l.messages = append(l.messages, base)
	snapshot := l.messagesLocked()
	l.record(ctx, models.CollectionMessages, base.ID, base.Timestamp, base)
	l.mu.Unlock()

	metrics.LedgerAppends.WithLabelValues(models.CollectionMessages).Inc()
	logger.Info("Message %s appended by %s to %s", base.ID, base.Username, base.To)
	return base, snapshot, nil
}

// AppendTicketNote adds a ticket chat note tagged with channel.
func (l *Ledger) AppendTicketNote(ctx context.Context, sub models.Submission, channel models.ChannelType, fileURL *string) (models.TicketChatNote, []models.TicketChatNote, error) {
	if !channel.Valid() {
		return models.TicketChatNote{}, nil, fmt.Errorf("channel type %q: %w", channel, models.ErrInvalidInput)
	}
	sub.Normalize()
	if err := Validate(sub); err != nil {
		return models.TicketChatNote{}, nil, err
	}

	l.mu.Lock()
	base, err := l.stampLocked(sub, fileURL)
	if err != nil {
		l.mu.Unlock()
		return models.TicketChatNote{}, nil, err
	}
	note := models.TicketChatNote{ChatMessage: base, ChannelType: channel}
	l.notes = append(l.notes, note)
	snapshot := l.notesLocked()
	l.record(ctx, models.CollectionTicketNotes, note.ID, note.Timestamp, note)
	l.mu.Unlock()

	metrics.LedgerAppends.WithLabelValues(models.CollectionTicketNotes).Inc()
	logger.Info("Ticket note %s appended by %s to %s (channel %q)", note.ID, note.Username, note.To, channel)
	return note, snapshot, nil
}

func (l *Ledger) stampLocked(sub models.Submission, fileURL *string) (models.ChatMessage, error) {
	id, err := l.issueIDLocked()
	if err != nil {
		return models.ChatMessage{}, err
	}
	msg := models.ChatMessage{
		ID:        id,
		Username:  sub.Username,
		Message:   sub.Message,
		FileURL:   fileURL,
		To:        sub.To,
		Timestamp: models.FormatTimestamp(l.now()),
	}
	if sub.GroupChat != "" {
		group := sub.GroupChat
		msg.GroupChat = &group
	}
	return msg, nil
}

func (l *Ledger) issueIDLocked() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := l.newID()
		if id == "" {
			continue
		}
		if _, taken := l.issued[id]; taken {
			logger.Warn("Ledger id collision on %s, retrying", id)
			continue
		}
		l.issued[id] = struct{}{}
		return id, nil
	}
	return "", fmt.Errorf("could not generate a unique ledger id after %d attempts", maxIDAttempts)
}

// record queues the entry for the history writer without blocking. It is
// called with l.mu held so the queue follows ledger order. Failures are
// logged and counted, never returned.
func (l *Ledger) record(ctx context.Context, collection, id, ts string, entry interface{}) {
	raw, err := json.Marshal(entry)
	if err != nil {
		metrics.HistoryFailures.Inc()
		logger.Error("Error encoding history record %s: %v", id, err)
		return
	}
	pending := pendingRecord{
		ctx:    context.WithoutCancel(ctx),
		record: models.HistoryRecord{Collection: collection, ID: id, Timestamp: ts, Entry: raw},
	}

	l.writerMu.RLock()
	defer l.writerMu.RUnlock()
	if l.closed {
		logger.Warn("History writer closed, %s %s not recorded", collection, id)
		return
	}
	select {
	case l.pending <- pending:
	default:
		metrics.HistoryFailures.Inc()
		logger.Error("History queue full, dropping %s %s", collection, id)
	}
}

func (l *Ledger) writeHistory() {
	defer close(l.writerEnd)
	for p := range l.pending {
		ctx, cancel := context.WithTimeout(p.ctx, l.historyTimeout)
		if err := l.history.Append(ctx, p.record); err != nil {
			metrics.HistoryFailures.Inc()
			logger.Error("Error saving %s %s to history: %v", p.record.Collection, p.record.ID, err)
		}
		cancel()
	}
}

// FindMessage returns the general message with the given id.
func (l *Ledger) FindMessage(id string) (models.ChatMessage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, m := range l.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return models.ChatMessage{}, fmt.Errorf("message %q: %w", id, models.ErrNotFound)
}

// FindTicketNote returns the ticket note with the given id.
func (l *Ledger) FindTicketNote(id string) (models.TicketChatNote, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, n := range l.notes {
		if n.ID == id {
			return n, nil
		}
	}
	return models.TicketChatNote{}, fmt.Errorf("ticket note %q: %w", id, models.ErrNotFound)
}

// DeleteMessage removes a general message and returns it with the
// remaining collection.
func (l *Ledger) DeleteMessage(id string) (models.ChatMessage, []models.ChatMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, m := range l.messages {
		if m.ID == id {
			l.messages = append(l.messages[:i:i], l.messages[i+1:]...)
			logger.Info("Message %s deleted", id)
			return m, l.messagesLocked(), nil
		}
	}
	return models.ChatMessage{}, nil, fmt.Errorf("message %q: %w", id, models.ErrNotFound)
}

func matches(n models.TicketChatNote, to, from string, channel models.ChannelType) bool {
	return n.To == to && n.Username == from && n.ChannelType == channel
}

// MarkRead sets ReadFlag on every note addressed to `to` from `from` on
// channel, returning the matched notes in ledger order. No match is not an
// error.
func (l *Ledger) MarkRead(to, from string, channel models.ChannelType) []models.TicketChatNote {
	l.mu.Lock()
	defer l.mu.Unlock()

	affected := []models.TicketChatNote{}
	for i := range l.notes {
		if matches(l.notes[i], to, from, channel) {
			l.notes[i].ReadFlag = true
			affected = append(affected, l.notes[i])
		}
	}
	logger.Debug("Marked %d ticket notes read (to=%s from=%s channel=%q)", len(affected), to, from, channel)
	return affected
}

// CountUnread counts matching notes whose ReadFlag is false.
func (l *Ledger) CountUnread(to, from string, channel models.ChannelType) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, note := range l.notes {
		if matches(note, to, from, channel) && !note.ReadFlag {
			n++
		}
	}
	return n
}

// Messages returns a copy of the general collection.
func (l *Ledger) Messages() []models.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.messagesLocked()
}

// TicketNotes returns a copy of the ticket-note collection.
func (l *Ledger) TicketNotes() []models.TicketChatNote {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notesLocked()
}

// History returns the persisted log from the history collaborator.
func (l *Ledger) History(ctx context.Context) ([]models.HistoryRecord, error) {
	return l.history.List(ctx)
}

func (l *Ledger) messagesLocked() []models.ChatMessage {
	out := make([]models.ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Ledger) notesLocked() []models.TicketChatNote {
	out := make([]models.TicketChatNote, len(l.notes))
	copy(out, l.notes)
	return out
}
