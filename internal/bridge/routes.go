package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/nearby"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 20 * time.Second
	maxWSMessage = 64 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Loopback clients only unless AllowRemote; the origin adds nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) routes() {
	handleGet(s.mux, "/api/messages", func(w http.ResponseWriter, r *http.Request) {
		since, err := parseSince(r)
		if err != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		writeJSON(w, s.chat.Since(since))
	})

	handlePost(s.mux, "/api/messages", func(w http.ResponseWriter, r *http.Request, req sendRequest) {
		s.writeSendResult(w, s.chat.SendMessage(req.Text))
	})

	s.mux.HandleFunc("POST /api/sos", func(w http.ResponseWriter, r *http.Request) {
		s.writeSendResult(w, s.chat.SendSOS())
	})

	handleGet(s.mux, "/api/session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.chat.Session())
	})

	handleGet(s.mux, "/api/endpoints", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.chat.Endpoints())
	})

	if s.opts.Diag != nil {
		handleGet(s.mux, "/api/diag", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, s.opts.Diag())
		})
	}

	s.mux.HandleFunc("GET /api/messages/ws", s.handleStream)
}

// writeSendResult reports a send. The outgoing echo is in the log either
// way, so failures are conflicts rather than server errors.
func (s *Server) writeSendResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeStatus(w, http.StatusAccepted, map[string]string{"status": "sent"})
	case errors.Is(err, chat.ErrEmptyMessage):
		writeStatus(w, http.StatusBadRequest, errorBody(err))
	case errors.Is(err, nearby.ErrNoActivePeer):
		writeStatus(w, http.StatusConflict, errorBody(err))
	default:
		writeStatus(w, http.StatusBadGateway, errorBody(err))
	}
}

// handleStream replays the log after ?since=N and then pushes every new
// message. Text frames from the client are sent as chat messages.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		http.Error(w, "bad since", http.StatusBadRequest)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Subscribe before replaying so nothing falls between the two.
	ch, unsub := s.chat.Subscribe()
	defer unsub()

	last := since
	for _, m := range s.chat.Since(since) {
		if err := conn.WriteJSON(m); err != nil {
			return
		}
		last = m.Sequence
	}

	closed := make(chan struct{})
	go s.readLoop(conn, closed)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			if m.Sequence <= last {
				continue
			}
			batch := []chat.ChatMessage{m}
			if m.Sequence > last+1 {
				// The subscription overflowed; the log still has what it skipped.
				batch = s.chat.Since(last)
			}
			for _, b := range batch {
				if b.Sequence <= last {
					continue
				}
				if err := conn.WriteJSON(b); err != nil {
					log.Debugf("ws write: %v", err)
					return
				}
				last = b.Sequence
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxWSMessage)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("ws read: %v", err)
			}
			return
		}
		var req sendRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Debugf("ws: ignoring frame: %v", err)
			continue
		}
		// Failures already show up in the stream as notices.
		_ = s.chat.SendMessage(req.Text)
	}
}

func parseSince(r *http.Request) (uint64, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc("GET "+path, fn)
}

// handlePost registers fn for POST with the JSON body decoded into T.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
		var req T
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWSMessage)).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeStatus(w, http.StatusOK, v)
}

func writeStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}
