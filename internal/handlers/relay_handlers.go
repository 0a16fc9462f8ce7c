package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"chat-relay/internal/models"
	"chat-relay/internal/services"
	"chat-relay/internal/uploads"
	"chat-relay/pkg/logger"
	"chat-relay/pkg/response"

	"github.com/gorilla/mux"
)

const (
	maxJSONBody       = 1 << 20
	multipartOverhead = 1 << 20
	fileField         = "file"
)

type RelayHandlers struct {
	relay     *services.RelayService
	maxUpload int64
}

func NewRelayHandlers(relay *services.RelayService, maxUpload int64) *RelayHandlers {
	return &RelayHandlers{
		relay:     relay,
		maxUpload: maxUpload,
	}
}

func (h *RelayHandlers) ListRoster(w http.ResponseWriter, r *http.Request) {
	response.JSONWrite(w, http.StatusOK, h.relay.Roster())
}

func (h *RelayHandlers) GetRosterEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.relay.RosterEntry(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSONWrite(w, http.StatusOK, entry)
}

// AddMessage appends a general message. The recipient defaults to "all".
func (h *RelayHandlers) AddMessage(w http.ResponseWriter, r *http.Request) {
	sub, file, err := h.decodeSubmission(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(sub.To) == "" {
		sub.To = models.RecipientAll
	}
	h.postMessage(w, r, sub, file)
}

// AddMessageWithAttachment appends a general message carrying an optional
// file. The recipient is required.
func (h *RelayHandlers) AddMessageWithAttachment(w http.ResponseWriter, r *http.Request) {
	sub, file, err := h.decodeSubmission(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.postMessage(w, r, sub, file)
}

func (h *RelayHandlers) postMessage(w http.ResponseWriter, r *http.Request, sub models.Submission, file *multipart.FileHeader) {
	msg, err := h.relay.PostMessage(r.Context(), sub, file)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSONWrite(w, http.StatusCreated, msg)
}

// AddTicketNote returns the handler for one of the ticket-note endpoints;
// they differ only in the channel they tag the note with.
func (h *RelayHandlers) AddTicketNote(channel models.ChannelType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, file, err := h.decodeSubmission(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		note, err := h.relay.PostTicketNote(r.Context(), sub, channel, file)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSONWrite(w, http.StatusCreated, note)
	}
}

func (h *RelayHandlers) MarkReadByAirline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	response.JSONWrite(w, http.StatusOK, h.relay.MarkReadByAirline(vars["to"], vars["from"]))
}

func (h *RelayHandlers) MarkReadByAdmin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	response.JSONWrite(w, http.StatusOK, h.relay.MarkReadByAdmin(vars["from"], vars["to"]))
}

func (h *RelayHandlers) CountUnreadAirline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	count := h.relay.CountUnreadAirline(vars["to"], vars["from"])
	response.JSONWrite(w, http.StatusOK, models.UnreadCount{UnreadCount: count})
}

func (h *RelayHandlers) CountUnreadAdmin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	count := h.relay.CountUnreadAdmin(vars["from"], vars["to"])
	response.JSONWrite(w, http.StatusOK, models.UnreadCount{UnreadCount: count})
}

func (h *RelayHandlers) DeleteSocketData(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := h.relay.DeleteSocketData(id)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{
		"message":    fmt.Sprintf("Entry with id %q deleted successfully", id),
		"socketData": result.Roster,
	}
	if result.Message != nil {
		body["removed"] = result.Message
	}
	response.JSONWrite(w, http.StatusOK, body)
}

func (h *RelayHandlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	response.JSONWrite(w, http.StatusOK, h.relay.Messages())
}

func (h *RelayHandlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.relay.Message(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSONWrite(w, http.StatusOK, msg)
}

func (h *RelayHandlers) ListTicketNotes(w http.ResponseWriter, r *http.Request) {
	response.JSONWrite(w, http.StatusOK, h.relay.TicketNotes())
}

func (h *RelayHandlers) GetTicketNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.relay.TicketNote(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSONWrite(w, http.StatusOK, note)
}

func (h *RelayHandlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.relay.History(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}
	response.JSONWrite(w, http.StatusOK, records)
}

// decodeSubmission reads a submission from a JSON body or a multipart form.
// The attachment is only available from multipart requests.
func (h *RelayHandlers) decodeSubmission(w http.ResponseWriter, r *http.Request) (models.Submission, *multipart.FileHeader, error) {
	var sub models.Submission

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data", "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)
		if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return sub, nil, bodyError(err)
		}
		if err := r.ParseForm(); err != nil {
			return sub, nil, bodyError(err)
		}
		sub.Username = formValue(r, "username")
		sub.Message = formValue(r, "message")
		sub.To = formValue(r, "to")
		sub.GroupChat = formValue(r, "groupChat")

		var file *multipart.FileHeader
		if r.MultipartForm != nil {
			if files := r.MultipartForm.File[fileField]; len(files) > 0 {
				file = files[0]
			}
		}
		return sub, file, nil

	default:
		r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		// field names match case-insensitively, so "Message" and "To" bind too
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			return sub, nil, bodyError(err)
		}
		return sub, nil, nil
	}
}

// formValue looks key up exactly, then ignoring case.
func formValue(r *http.Request, key string) string {
	if v := r.Form.Get(key); v != "" {
		return v
	}
	for k, vs := range r.Form {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("request body exceeds %d bytes: %w", tooLarge.Limit, uploads.ErrTooLarge)
	}
	return fmt.Errorf("invalid request body: %v: %w", err, models.ErrInvalidFormat)
}

func writeError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		response.JSONWrite(w, http.StatusBadRequest, map[string]interface{}{
			"error":   verr.Error(),
			"missing": verr.Missing,
		})
	case errors.Is(err, models.ErrNotFound):
		response.JSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrInvalidFormat):
		response.JSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, uploads.ErrTooLarge):
		response.JSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		logger.Error("Request failed: %v", err)
		response.JSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
