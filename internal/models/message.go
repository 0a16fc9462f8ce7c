package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for ledger timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// RecipientAll is the recipient given to general messages submitted without one.
const RecipientAll = "all"

// Ledger collection names, used in history records and metrics.
const (
	CollectionMessages    = "messages"
	CollectionTicketNotes = "ticketChatNotes"
)

type ChannelType string

const (
	ChannelUnset   ChannelType = ""
	ChannelAdmin   ChannelType = "admin"
	ChannelAirline ChannelType = "airline"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelUnset, ChannelAdmin, ChannelAirline:
		return true
	}
	return false
}

// ChatMessage is an entry of the general message collection.
type ChatMessage struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	Message   string  `json:"message"`
	FileURL   *string `json:"fileUrl"`
	To        string  `json:"to"`
	GroupChat *string `json:"groupChat"`
	Timestamp string  `json:"timestamp"`
}

// TicketChatNote is an entry of the ticket-scoped collection. ReadFlag is
// the only field that changes after creation.
type TicketChatNote struct {
	ChatMessage
	ReadFlag    bool        `json:"readFlag"`
	ChannelType ChannelType `json:"channelType,omitempty"`
}

// Submission carries the client-supplied fields of a new ledger entry.
type Submission struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	To        string `json:"to"`
	GroupChat string `json:"groupChat"`
}

// Normalize trims surrounding whitespace from the addressing fields. The
// message body is user content and is kept verbatim.
func (s *Submission) Normalize() {
	s.Username = strings.TrimSpace(s.Username)
	s.To = strings.TrimSpace(s.To)
	s.GroupChat = strings.TrimSpace(s.GroupChat)
}

// Missing lists the required fields that are empty.
func (s Submission) Missing() []string {
	var missing []string
	if s.Username == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(s.Message) == "" {
		missing = append(missing, "message")
	}
	if s.To == "" {
		missing = append(missing, "to")
	}
	return missing
}

// HistoryRecord is one entry of the append-only history log.
type HistoryRecord struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Timestamp  string          `json:"timestamp"`
	Entry      json.RawMessage `json:"entry"`
}

// FormatTimestamp renders t in the ledger's timestamp layout, in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// UnreadCount is returned by the count-unread endpoints.
type UnreadCount struct {
	UnreadCount int `json:"unreadCount"`
}
