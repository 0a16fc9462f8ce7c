package handlers

import (
	"net/http"
	"strings"

	"chat-relay/internal/models"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the HTTP surface. Files in uploadDir are served under
// uploadPath, which must start and end with a slash.
func NewRouter(relay *RelayHandlers, wsHandlers *WebSocketHandlers, uploadDir, uploadPath string) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()

	// roster
	api.HandleFunc("/socketData", relay.ListRoster).Methods(http.MethodGet)
	api.HandleFunc("/socketData/{id}", relay.GetRosterEntry).Methods(http.MethodGet)
	api.HandleFunc("/deletesocketData/{id}", relay.DeleteSocketData).Methods(http.MethodDelete)

	// general messages
	api.HandleFunc("/addsocketData", relay.AddMessage).Methods(http.MethodPost)
	api.HandleFunc("/addsocketDataAttach", relay.AddMessageWithAttachment).Methods(http.MethodPost)
	api.HandleFunc("/messages", relay.ListMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}", relay.GetMessage).Methods(http.MethodGet)

	// ticket notes
	api.HandleFunc("/addsocketTicketChatnote", relay.AddTicketNote(models.ChannelUnset)).Methods(http.MethodPost)
	api.HandleFunc("/addsocketTicketChatnoteAdmin", relay.AddTicketNote(models.ChannelAdmin)).Methods(http.MethodPost)
	api.HandleFunc("/addsocketTicketChatnoteAirline", relay.AddTicketNote(models.ChannelAirline)).Methods(http.MethodPost)
	api.HandleFunc("/ticketChatNotes", relay.ListTicketNotes).Methods(http.MethodGet)
	api.HandleFunc("/ticketChatNotes/{id}", relay.GetTicketNote).Methods(http.MethodGet)
	api.HandleFunc("/markAsReadbyAirline/{to}/{from}", relay.MarkReadByAirline).Methods(http.MethodPost)
	api.HandleFunc("/markAsReadbyAdmin/{from}/{to}", relay.MarkReadByAdmin).Methods(http.MethodPost)
	api.HandleFunc("/countUnreadMessagesAirline/{to}/{from}", relay.CountUnreadAirline).Methods(http.MethodGet)
	api.HandleFunc("/countUnreadMessagesAdmin/{from}/{to}", relay.CountUnreadAdmin).Methods(http.MethodGet)

	api.HandleFunc("/history", relay.ListHistory).Methods(http.MethodGet)

	r.PathPrefix(uploadPath).Handler(http.StripPrefix(uploadPath, noListing(http.FileServer(http.Dir(uploadDir))))).Methods(http.MethodGet)
	r.HandleFunc("/ws", wsHandlers.HandleWebSocket)
	r.HandleFunc("/healthz", wsHandlers.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// noListing hides directory indexes; only individual files are served.
func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
