package services

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"sync"

	"chat-relay/internal/ledger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/models"
	"chat-relay/internal/roster"
	"chat-relay/pkg/logger"
)

// Broadcaster fans a frame out to every live session except exceptID
// (empty means nobody is excluded).
type Broadcaster interface {
	Broadcast(payload []byte, exceptID string)
}

// Uploader stores an attachment and returns the URL it is served under.
type Uploader interface {
	Save(ctx context.Context, fh *multipart.FileHeader) (string, error)
}

// RelayService applies roster and ledger mutations and broadcasts the
// resulting state. Each collection has its own lock, held across the
// mutation and the hand-off to the broadcaster, so observers receive
// snapshots in mutation order.
type RelayService struct {
	roster   *roster.Store
	ledger   *ledger.Ledger
	uploads  Uploader
	hub      Broadcaster
	rosterMu sync.Mutex
	ledgerMu sync.Mutex
}

func NewRelayService(r *roster.Store, l *ledger.Ledger, uploads Uploader, hub Broadcaster) *RelayService {
	return &RelayService{
		roster:  r,
		ledger:  l,
		uploads: uploads,
		hub:     hub,
	}
}

// DeleteResult reports what DeleteSocketData removed.
type DeleteResult struct {
	Message *models.ChatMessage
	Roster  []models.UserEntry
}

// Announce binds username to connID and broadcasts the roster to everyone.
func (s *RelayService) Announce(connID, username string) ([]models.UserEntry, error) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	snapshot, err := s.roster.Announce(connID, username)
	if err != nil {
		return nil, err
	}
	logger.Info("Session %s announced as %s", connID, username)
	s.publishRoster(models.EventRosterUpdate, snapshot, "")
	return snapshot, nil
}

// Disconnect drops connID from the roster and broadcasts the result.
func (s *RelayService) Disconnect(connID string) []models.UserEntry {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	snapshot := s.roster.Remove(connID)
	logger.Info("Session %s left, %d users in roster", connID, len(snapshot))
	s.publishRoster(models.EventRosterUpdate, snapshot, "")
	return snapshot
}

// ReplaceRoster overwrites the roster with a client snapshot and
// broadcasts it to every session but the originator. Last writer wins.
func (s *RelayService) ReplaceRoster(originID string, raw json.RawMessage) ([]models.UserEntry, error) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	snapshot, err := s.roster.Replace(raw)
	if err != nil {
		return nil, err
	}
	logger.Info("Session %s replaced roster with %d entries", originID, len(snapshot))
	s.publishRoster(models.EventRosterUpdateByClient, snapshot, originID)
	return snapshot, nil
}

func (s *RelayService) Roster() []models.UserEntry {
	return s.roster.Snapshot()
}

func (s *RelayService) RosterEntry(connID string) (models.UserEntry, error) {
	return s.roster.Get(connID)
}

// PostMessage stores the optional attachment, appends a general message
// and broadcasts the whole collection. Nothing is stored or broadcast when
// validation fails.
func (s *RelayService) PostMessage(ctx context.Context, sub models.Submission, file *multipart.FileHeader) (models.ChatMessage, error) {
	sub.Normalize()
	if err := ledger.Validate(sub); err != nil {
		return models.ChatMessage{}, err
	}
	fileURL, err := s.saveAttachment(ctx, file)
	if err != nil {
		return models.ChatMessage{}, err
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	msg, snapshot, err := s.ledger.AppendMessage(ctx, sub, fileURL)
	if err != nil {
		return models.ChatMessage{}, err
	}
	s.publish(models.EventMessages, snapshot, "")
	return msg, nil
}

// PostTicketNote is PostMessage for the ticket-note collection, tagged
// with channel.
func (s *RelayService) PostTicketNote(ctx context.Context, sub models.Submission, channel models.ChannelType, file *multipart.FileHeader) (models.TicketChatNote, error) {
	sub.Normalize()
	if err := ledger.Validate(sub); err != nil {
		return models.TicketChatNote{}, err
	}
	fileURL, err := s.saveAttachment(ctx, file)
	if err != nil {
		return models.TicketChatNote{}, err
	}

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	note, snapshot, err := s.ledger.AppendTicketNote(ctx, sub, channel, fileURL)
	if err != nil {
		return models.TicketChatNote{}, err
	}
	s.publish(models.EventTicketChatNotes, snapshot, "")
	return note, nil
}

func (s *RelayService) saveAttachment(ctx context.Context, file *multipart.FileHeader) (*string, error) {
	if file == nil {
		return nil, nil
	}
	if s.uploads == nil {
		return nil, errors.New("attachments are not enabled")
	}
	url, err := s.uploads.Save(ctx, file)
	if err != nil {
		return nil, err
	}
	return &url, nil
}

// DeleteSocketData removes the general message with the given id or,
// failing that, the roster entry with that connection id.
func (s *RelayService) DeleteSocketData(id string) (DeleteResult, error) {
	s.ledgerMu.Lock()
	removed, messages, err := s.ledger.DeleteMessage(id)
	if err == nil {
		s.publish(models.EventMessages, messages, "")
	}
	s.ledgerMu.Unlock()

	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return DeleteResult{}, err
	}

	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	if err == nil {
		snapshot := s.roster.Snapshot()
		s.publishRoster(models.EventRosterUpdate, snapshot, "")
		return DeleteResult{Message: &removed, Roster: snapshot}, nil
	}

	snapshot, rerr := s.roster.RemoveExisting(id)
	if rerr != nil {
		return DeleteResult{}, rerr
	}
	logger.Info("Roster entry %s deleted over HTTP", id)
	s.publishRoster(models.EventRosterUpdate, snapshot, "")
	return DeleteResult{Roster: snapshot}, nil
}

// MarkReadByAirline marks notes on the airline channel sent by from to to.
func (s *RelayService) MarkReadByAirline(to, from string) []models.TicketChatNote {
	return s.ledger.MarkRead(to, from, models.ChannelAirline)
}

// MarkReadByAdmin marks notes on the admin channel sent by from to to.
func (s *RelayService) MarkReadByAdmin(from, to string) []models.TicketChatNote {
	return s.ledger.MarkRead(to, from, models.ChannelAdmin)
}

func (s *RelayService) CountUnreadAirline(to, from string) int {
	return s.ledger.CountUnread(to, from, models.ChannelAirline)
}

func (s *RelayService) CountUnreadAdmin(from, to string) int {
	return s.ledger.CountUnread(to, from, models.ChannelAdmin)
}

func (s *RelayService) Messages() []models.ChatMessage {
	return s.ledger.Messages()
}

func (s *RelayService) Message(id string) (models.ChatMessage, error) {
	return s.ledger.FindMessage(id)
}

func (s *RelayService) TicketNotes() []models.TicketChatNote {
	return s.ledger.TicketNotes()
}

func (s *RelayService) TicketNote(id string) (models.TicketChatNote, error) {
	return s.ledger.FindTicketNote(id)
}

func (s *RelayService) History(ctx context.Context) ([]models.HistoryRecord, error) {
	return s.ledger.History(ctx)
}

func (s *RelayService) publishRoster(event string, snapshot []models.UserEntry, exceptID string) {
	metrics.RosterEntries.Set(float64(len(snapshot)))
	s.publish(event, snapshot, exceptID)
}

func (s *RelayService) publish(event string, data interface{}, exceptID string) {
	payload, err := models.NewEnvelope(event, data)
	if err != nil {
		logger.Error("Error marshaling %q broadcast: %v", event, err)
		return
	}
	s.hub.Broadcast(payload, exceptID)
	metrics.Broadcasts.WithLabelValues(event).Inc()
}
