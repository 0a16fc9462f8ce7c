package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/history"
	"chat-relay/internal/ledger"
	"chat-relay/internal/models"
	"chat-relay/internal/roster"
	"chat-relay/internal/services"
	"chat-relay/internal/uploads"
	ws "chat-relay/internal/websocket"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server    *httptest.Server
	relay     *services.RelayService
	hub       *ws.Hub
	uploadDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	storage, err := uploads.NewStorage(config.UploadConfig{
		Dir:       filepath.Join(dir, "uploads"),
		PublicURL: "/uploads",
		MaxBytes:  1 << 20,
		Timeout:   time.Second,
	})
	require.NoError(t, err)

	hub := ws.NewHub()
	go hub.Run()

	store := history.NewFileStore(filepath.Join(dir, "history.json"))
	entries := ledger.New(store)
	relay := services.NewRelayService(roster.NewStore(), entries, storage, hub)

	socket := config.SocketConfig{SendBuffer: 16, MaxMessageBytes: 4096, EventRate: 100, EventBurst: 100}
	router := NewRouter(
		NewRelayHandlers(relay, 1<<20),
		NewWebSocketHandlers(hub, relay, socket, []string{"http://allowed.example"}),
		storage.Dir(),
		storage.MountPath(),
	)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		server.Close()
		entries.Close()
	})
	return &fixture{server: server, relay: relay, hub: hub, uploadDir: storage.Dir()}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) postJSON(t *testing.T, path, body string) (*http.Response, []byte) {
	return f.do(t, http.MethodPost, path, "application/json", strings.NewReader(body))
}

func multipartBody(t *testing.T, fields map[string]string, fileName, content string) (string, *bytes.Buffer) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return w.FormDataContentType(), &body
}

func TestAddMessageDefaultsRecipient(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/api/addsocketData", `{"username":"alice","Message":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hi", msg.Message)
	assert.Equal(t, models.RecipientAll, msg.To)
	assert.Nil(t, msg.FileURL)
	assert.Contains(t, string(body), `"fileUrl":null`)

	resp, body = f.do(t, http.MethodGet, "/api/messages/"+msg.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), msg.ID)
}

func TestAddMessageMissingFields(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/api/addsocketData", `{"username":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var payload struct {
		Error   string   `json:"error"`
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, []string{"message"}, payload.Missing)
	assert.Empty(t, f.relay.Messages())

	resp, _ = f.postJSON(t, "/api/addsocketData", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddMessageWithAttachment(t *testing.T) {
	f := newFixture(t)

	ct, body := multipartBody(t, map[string]string{"username": "alice", "Message": "ticket", "To": "bob", "groupChat": "ops"}, "scan.png", "PNGDATA")
	resp, data := f.do(t, http.MethodPost, "/api/addsocketDataAttach", ct, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.NotNil(t, msg.FileURL)
	assert.True(t, strings.HasPrefix(*msg.FileURL, "/uploads/"))
	assert.True(t, strings.HasSuffix(*msg.FileURL, ".png"))
	require.NotNil(t, msg.GroupChat)
	assert.Equal(t, "ops", *msg.GroupChat)

	resp, content := f.do(t, http.MethodGet, *msg.FileURL, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PNGDATA", string(content))

	require.Eventually(t, func() bool {
		records, err := f.relay.History(context.Background())
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, data = f.do(t, http.MethodGet, "/api/history", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var records []models.HistoryRecord
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, msg.ID, records[0].ID)
}

func TestUploadDirectoryIsNotListed(t *testing.T) {
	f := newFixture(t)

	ct, body := multipartBody(t, map[string]string{"username": "alice", "Message": "x", "To": "bob"}, "secret.txt", "hidden")
	resp, data := f.do(t, http.MethodPost, "/api/addsocketDataAttach", ct, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	name := strings.TrimPrefix(*msg.FileURL, "/uploads/")

	resp, listing := f.do(t, http.MethodGet, "/uploads/", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotContains(t, string(listing), name)

	require.NoError(t, os.Mkdir(filepath.Join(f.uploadDir, "nested"), 0o755))
	resp, _ = f.do(t, http.MethodGet, "/uploads/nested/", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, content := f.do(t, http.MethodGet, *msg.FileURL, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hidden", string(content))
}

func TestAttachRequiresRecipient(t *testing.T) {
	f := newFixture(t)

	ct, body := multipartBody(t, map[string]string{"username": "alice", "Message": "x"}, "a.txt", "x")
	resp, _ := f.do(t, http.MethodPost, "/api/addsocketDataAttach", ct, body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, err := os.ReadDir(f.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTicketNoteAdminMissingTo(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/api/addsocketTicketChatnoteAdmin", `{"username":"desk","Message":"hello"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"to"`)
	assert.Empty(t, f.relay.TicketNotes())
}

func TestTicketNoteVariantsAndReadFlow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.postJSON(t, "/api/addsocketTicketChatnoteAirline", `{"username":"carrier","Message":"delay","To":"desk"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var note models.TicketChatNote
	require.NoError(t, json.Unmarshal(body, &note))
	assert.Equal(t, models.ChannelAirline, note.ChannelType)
	assert.False(t, note.ReadFlag)

	resp, body = f.postJSON(t, "/api/addsocketTicketChatnote", `{"username":"carrier","message":"plain","to":"desk"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotContains(t, string(body), "channelType")

	resp, body = f.do(t, http.MethodGet, "/api/countUnreadMessagesAirline/desk/carrier", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"unreadCount":1}`, string(body))

	resp, body = f.do(t, http.MethodPost, "/api/markAsReadbyAirline/desk/carrier", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var affected []models.TicketChatNote
	require.NoError(t, json.Unmarshal(body, &affected))
	require.Len(t, affected, 1)
	assert.True(t, affected[0].ReadFlag)

	_, body = f.do(t, http.MethodGet, "/api/countUnreadMessagesAirline/desk/carrier", "", nil)
	assert.JSONEq(t, `{"unreadCount":0}`, string(body))

	// no match is an empty success
	resp, body = f.do(t, http.MethodPost, "/api/markAsReadbyAdmin/nobody/none", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	_, body = f.do(t, http.MethodGet, "/api/ticketChatNotes", "", nil)
	var notes []models.TicketChatNote
	require.NoError(t, json.Unmarshal(body, &notes))
	assert.Len(t, notes, 2)
}

func TestAdminEndpointsArgumentOrder(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.postJSON(t, "/api/addsocketTicketChatnoteAdmin", `{"username":"admin","Message":"fyi","To":"carrier"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, body := f.do(t, http.MethodGet, "/api/countUnreadMessagesAdmin/admin/carrier", "", nil)
	assert.JSONEq(t, `{"unreadCount":1}`, string(body))

	_, body = f.do(t, http.MethodPost, "/api/markAsReadbyAdmin/admin/carrier", "", nil)
	var affected []models.TicketChatNote
	require.NoError(t, json.Unmarshal(body, &affected))
	assert.Len(t, affected, 1)
}

func TestRosterEndpointsAndDelete(t *testing.T) {
	f := newFixture(t)
	_, err := f.relay.Announce("conn-1", "alice")
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/socketData", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[{"id":"conn-1","username":"alice","message":""}]`, string(body))

	resp, _ = f.do(t, http.MethodGet, "/api/socketData/conn-1", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/socketData/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/deletesocketData/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodDelete, "/api/deletesocketData/conn-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Message    string             `json:"message"`
		SocketData []models.UserEntry `json:"socketData"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.Message)
	assert.Empty(t, out.SocketData)
	assert.NotContains(t, string(body), `"removed"`)
}

func TestDeleteMessageById(t *testing.T) {
	f := newFixture(t)

	_, body := f.postJSON(t, "/api/addsocketData", `{"username":"a","message":"b","to":"c"}`)
	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(body, &msg))

	resp, body := f.do(t, http.MethodDelete, "/api/deletesocketData/"+msg.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Removed *models.ChatMessage `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotNil(t, out.Removed)
	assert.Equal(t, msg, *out.Removed)

	resp, _ = f.do(t, http.MethodGet, "/api/messages/"+msg.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPAppendReachesSessions(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, _ := f.postJSON(t, "/api/addsocketData", `{"username":"alice","message":"hi","to":"bob"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, models.EventMessages, env.Event)
	var msgs []models.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Message)
}

func TestWebsocketOriginPolicy(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"HTTP://Allowed.Example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "relay_sessions")
}
