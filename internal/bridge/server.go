// Package bridge exposes the chat to a local UI over HTTP and a websocket
// message stream.
//
//	GET  /api/messages?since=N  messages after sequence N
//	POST /api/messages          {"text": "..."}
//	POST /api/sos               send the configured emergency text
//	GET  /api/session           radio mode and active endpoint
//	GET  /api/endpoints         nearby endpoints
//	GET  /api/diag              transport diagnostics (when available)
//	GET  /api/messages/ws       replay, then push every append
package bridge

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/nearby"
	"github.com/petervdpas/nearchat/internal/state"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("bridge")

// Chat is what the bridge needs from chat.Controller.
type Chat interface {
	Messages() []chat.ChatMessage
	Since(seq uint64) []chat.ChatMessage
	Subscribe() (<-chan chat.ChatMessage, func())
	SendMessage(text string) error
	SendSOS() error
	Session() nearby.Session
	Endpoints() []state.Endpoint
}

type Options struct {
	// AllowRemote serves non-loopback clients too.
	AllowRemote bool

	// Diag, when set, backs GET /api/diag.
	Diag func() map[string]any
}

type Server struct {
	chat Chat
	opts Options
	mux  *http.ServeMux
}

func New(c Chat, opts Options) *Server {
	s := &Server{chat: c, opts: opts, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !s.opts.AllowRemote && !isLocalRequest(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
	s.mux.ServeHTTP(rw, r)
	log.Debugf("%s %s %d %s", r.Method, r.URL.Path, rw.code, time.Since(start))
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("ui bridge on http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("bridge: hijack not supported")
	}
	return h.Hijack()
}
