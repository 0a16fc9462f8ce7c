package models

import "encoding/json"

// Event names carried in the envelope of every websocket frame.
const (
	// inbound
	EventUsername   = "username"
	EventSocketData = "socketData"

	// outbound
	EventRosterUpdate         = "update socketData"
	EventRosterUpdateByClient = "update socketData by client"
	EventMessages             = "Add socketData"
	EventTicketChatNotes      = "addTicketChatNote"
	EventError                = "error"
)

// Envelope is the JSON frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a frame for the named event.
func NewEnvelope(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

