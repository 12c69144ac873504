package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/nearby"
	"github.com/petervdpas/nearchat/internal/state"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeChat echoes sends into a real MessageLog and fails them while no peer
// is set.
type fakeChat struct {
	log *chat.MessageLog

	mu   sync.Mutex
	peer string
}

func newFakeChat() *fakeChat { return &fakeChat{log: chat.NewMessageLog()} }

func (f *fakeChat) Messages() []chat.ChatMessage                 { return f.log.Snapshot() }
func (f *fakeChat) Since(seq uint64) []chat.ChatMessage          { return f.log.Since(seq) }
func (f *fakeChat) Subscribe() (<-chan chat.ChatMessage, func()) { return f.log.Subscribe() }

func (f *fakeChat) SendMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return chat.ErrEmptyMessage
	}
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()
	f.log.Append(chat.NewOutgoing(peer, text))
	if peer == "" {
		return nearby.ErrNoActivePeer
	}
	return nil
}

func (f *fakeChat) SendSOS() error { return f.SendMessage(chat.DefaultSOSText) }

func (f *fakeChat) Session() nearby.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return nearby.Session{Mode: nearby.AdvertisingAndDiscovering, ActiveEndpointID: f.peer}
}

func (f *fakeChat) Endpoints() []state.Endpoint {
	return []state.Endpoint{{ID: "ep-1", DisplayName: "UserB", State: state.Connected}}
}

func (f *fakeChat) setPeer(id string) {
	f.mu.Lock()
	f.peer = id
	f.mu.Unlock()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.RemoteAddr = "127.0.0.1:50000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestServer_PostAndListMessages(t *testing.T) {
	req := require.New(t)
	fc := newFakeChat()
	fc.setPeer("ep-1")
	srv := New(fc, Options{})

	// When two messages are posted
	req.Equal(http.StatusAccepted, do(t, srv, http.MethodPost, "/api/messages", `{"text":"hello"}`).Code)
	req.Equal(http.StatusAccepted, do(t, srv, http.MethodPost, "/api/messages", `{"text":"still here"}`).Code)

	// Then the list after sequence 1 holds only the second
	w := do(t, srv, http.MethodGet, "/api/messages?since=1", "")
	req.Equal(http.StatusOK, w.Code)
	var msgs []chat.ChatMessage
	req.NoError(json.Unmarshal(w.Body.Bytes(), &msgs))
	req.Len(msgs, 1)
	req.Equal("still here", msgs[0].Text)
	req.Equal(uint64(2), msgs[0].Sequence)
}

func TestServer_SendErrors(t *testing.T) {
	fc := newFakeChat()
	srv := New(fc, Options{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"empty text", http.MethodPost, "/api/messages", `{"text":"  "}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/messages", `{`, http.StatusBadRequest},
		{"no peer", http.MethodPost, "/api/messages", `{"text":"hi"}`, http.StatusConflict},
		{"sos without peer", http.MethodPost, "/api/sos", "", http.StatusConflict},
		{"sos via get", http.MethodGet, "/api/sos", "", http.StatusMethodNotAllowed},
		{"bad since", http.MethodGet, "/api/messages?since=x", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, do(t, srv, tt.method, tt.path, tt.body).Code)
		})
	}

	// The failed sends are still echoed
	require.Len(t, fc.Messages(), 2)
}

func TestServer_SessionAndEndpoints(t *testing.T) {
	req := require.New(t)
	fc := newFakeChat()
	fc.setPeer("ep-1")
	srv := New(fc, Options{})

	w := do(t, srv, http.MethodGet, "/api/session", "")
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"mode":"advertising_and_discovering","active_endpoint_id":"ep-1"}`, w.Body.String())

	w = do(t, srv, http.MethodGet, "/api/endpoints", "")
	req.Equal(http.StatusOK, w.Code)
	req.Contains(w.Body.String(), `"state":"connected"`)

	// Diagnostics are only served when a source is configured
	req.Equal(http.StatusNotFound, do(t, srv, http.MethodGet, "/api/diag", "").Code)
	withDiag := New(fc, Options{Diag: func() map[string]any { return map[string]any{"peer_id": "me"} }})
	req.JSONEq(`{"peer_id":"me"}`, do(t, withDiag, http.MethodGet, "/api/diag", "").Body.String())
}

func TestServer_RejectsRemoteClients(t *testing.T) {
	srv := New(newFakeChat(), Options{})
	r := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	r.RemoteAddr = "192.0.2.10:40000"
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_StreamReplaysThenPushes(t *testing.T) {
	req := require.New(t)
	fc := newFakeChat()
	fc.setPeer("ep-1")
	fc.log.Append(chat.NewIncoming("ep-1", "first"))
	fc.log.Append(chat.NewIncoming("ep-1", "second"))

	ts := httptest.NewServer(New(fc, Options{}))
	defer ts.Close()

	// Given a client that has already seen sequence 1
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/messages/ws?since=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	defer conn.Close()
	req.NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))

	// Then it is replayed only what it missed
	var m chat.ChatMessage
	req.NoError(conn.ReadJSON(&m))
	req.Equal("second", m.Text)

	// When it sends a frame, the echo is pushed back
	req.NoError(conn.WriteJSON(sendRequest{Text: "from the ui"}))
	req.NoError(conn.ReadJSON(&m))
	req.Equal("from the ui", m.Text)
	req.Equal(chat.Outgoing, m.Direction)
	req.Equal(uint64(3), m.Sequence)
}

// lossyChat hands out a subscription that only carries what the test feeds
// it, as if the real one had overflowed.
type lossyChat struct {
	*fakeChat
	feed chan chat.ChatMessage
}

func (l *lossyChat) Subscribe() (<-chan chat.ChatMessage, func()) { return l.feed, func() {} }

func TestServer_StreamBackfillsSkippedMessages(t *testing.T) {
	req := require.New(t)
	lc := &lossyChat{fakeChat: newFakeChat(), feed: make(chan chat.ChatMessage, 1)}
	lc.log.Append(chat.NewIncoming("ep-1", "first"))

	ts := httptest.NewServer(New(lc, Options{}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/messages/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	req.NoError(err)
	defer conn.Close()
	req.NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))

	var m chat.ChatMessage
	req.NoError(conn.ReadJSON(&m))
	req.Equal("first", m.Text)

	// When two messages are logged but only the later one is pushed
	lc.log.Append(chat.NewIncoming("ep-1", "second"))
	third := lc.log.Append(chat.NewIncoming("ep-1", "third"))
	lc.feed <- third

	// Then the client still receives both, in order
	req.NoError(conn.ReadJSON(&m))
	req.Equal("second", m.Text)
	req.Equal(uint64(2), m.Sequence)
	req.NoError(conn.ReadJSON(&m))
	req.Equal("third", m.Text)
	req.Equal(uint64(3), m.Sequence)
}
