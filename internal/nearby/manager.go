// Package nearby drives a proximity transport through the
// advertise/discover/connect lifecycle and keeps the single active
// point-to-point session.
package nearby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/state"
	"github.com/petervdpas/nearchat/internal/transport"
	"github.com/petervdpas/nearchat/internal/util"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("nearby")

var (
	ErrNoActivePeer = errors.New("nearby: no active peer")
	ErrIdle         = errors.New("nearby: session is idle")
	ErrClosed       = errors.New("nearby: manager closed")
)

type Options struct {
	ServiceID   string
	DisplayName string

	// AutoConnect requests a connection as soon as an endpoint is found,
	// and to the oldest known endpoint after a disconnect.
	AutoConnect bool

	// ConnectTimeout returns endpoints stuck in ConnectionRequested to
	// Discovered. Zero disables it.
	ConnectTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		ServiceID:      proto.DefaultServiceID,
		AutoConnect:    true,
		ConnectTimeout: 30 * time.Second,
	}
}

// Manager owns the transport session. A single loop goroutine consumes
// transport events and is the only writer of the registry; everything else
// reads.
type Manager struct {
	tr   transport.Transport
	reg  *state.EndpointRegistry
	opts Options

	life sync.Mutex // serializes start/stop/rename

	mu          sync.Mutex
	session     Session
	displayName string
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	closed      bool

	cmds   chan func(ctx context.Context)
	out    *util.Queue[Event]
	nextID atomic.Int64
}

func New(tr transport.Transport, opts Options) *Manager {
	if opts.ServiceID == "" {
		opts.ServiceID = proto.DefaultServiceID
	}
	return &Manager{
		tr:          tr,
		reg:         state.NewEndpointRegistry(),
		opts:        opts,
		displayName: opts.DisplayName,
		cmds:        make(chan func(ctx context.Context)),
		out:         util.NewQueue[Event](),
	}
}

// Events is the manager's outbound stream. It is closed by Close.
func (m *Manager) Events() <-chan Event { return m.out.Out() }

func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) Endpoints() []state.Endpoint { return m.reg.Snapshot() }

// Registry exposes the endpoint registry for change subscriptions.
func (m *Manager) Registry() *state.EndpointRegistry { return m.reg }

func (m *Manager) LocalID() string { return m.tr.LocalID() }

func (m *Manager) DisplayName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayName
}

// Start advertises and discovers together. If either fails, both are torn
// down and the session stays Idle.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.StartAdvertising(ctx); err != nil {
		m.Stop()
		return err
	}
	if err := m.StartDiscovery(ctx); err != nil {
		m.Stop()
		return err
	}
	return nil
}

func (m *Manager) StartAdvertising(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.session.Mode.Advertising() {
		m.mu.Unlock()
		return nil
	}
	name := m.displayName
	m.mu.Unlock()

	if err := m.tr.StartAdvertising(ctx, name, m.opts.ServiceID); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}

	m.mu.Lock()
	m.ensureLoopLocked()
	m.session.Mode = modeOf(true, m.session.Mode.Discovering())
	m.mu.Unlock()
	log.Infof("advertising %q as %q", m.opts.ServiceID, name)
	return nil
}

func (m *Manager) StartDiscovery(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.session.Mode.Discovering() {
		m.mu.Unlock()
		return nil
	}
	// The loop must be ready before the first EndpointFound can arrive.
	m.ensureLoopLocked()
	m.mu.Unlock()

	if err := m.tr.StartDiscovery(ctx, m.opts.ServiceID); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	m.mu.Lock()
	m.session.Mode = modeOf(m.session.Mode.Advertising(), true)
	m.mu.Unlock()
	log.Infof("discovering %q", m.opts.ServiceID)
	return nil
}

func (m *Manager) ensureLoopLocked() {
	if m.loopDone != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loopCancel = cancel
	m.loopDone = done
	go m.run(ctx, done)
}

// Stop cancels advertising and discovery, drops every endpoint and leaves
// the session Idle. The previously active endpoint, if any, is reported as
// Disconnected, and a Stopped event follows. Safe to call at any time, any
// number of times.
func (m *Manager) Stop() {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	active, wasConnected := m.reg.Active()

	m.tr.StopDiscovery()
	m.tr.StopAdvertising()
	m.tr.StopAllEndpoints()
	m.drainTransport()
	m.reg.Clear()

	m.mu.Lock()
	m.session = Session{Mode: Idle}
	m.mu.Unlock()

	if wasConnected {
		m.emit(Event{Kind: Disconnected, EndpointID: active.ID, DisplayName: active.DisplayName})
	}
	m.emit(Event{Kind: Stopped})
	if cancel != nil {
		log.Info("session stopped")
	}
}

// Close stops the session, closes Events() and releases the transport.
func (m *Manager) Close() error {
	m.Stop()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.out.Close()
	return m.tr.Close()
}

// drainTransport discards events that were queued for the session being
// torn down, so the next Start begins from a clean stream.
func (m *Manager) drainTransport() {
	if n := m.tr.DrainEvents(); n > 0 {
		log.Debugf("discarded %d stale transport events", n)
	}
}

// SendPayload transmits b to the active endpoint. The delivery outcome
// arrives later as PayloadDelivered or PayloadFailed with the returned id.
func (m *Manager) SendPayload(b []byte) (PayloadID, error) {
	active, ok := m.reg.Active()
	if !ok {
		return 0, ErrNoActivePeer
	}
	id := PayloadID(m.nextID.Add(1))
	if err := m.tr.SendPayload(active.ID, int64(id), b); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return 0, ErrNoActivePeer
		}
		return 0, fmt.Errorf("send payload to %s: %w", active.ID, err)
	}
	return id, nil
}

// RequestConnection asks a discovered endpoint for a session. Used when
// AutoConnect is off.
func (m *Manager) RequestConnection(endpointID string) error {
	return m.exec(func(ctx context.Context) error {
		return m.requestConnection(ctx, endpointID)
	})
}

// Disconnect drops the active session. Advertising and discovery keep
// running.
func (m *Manager) Disconnect() error {
	return m.exec(func(ctx context.Context) error {
		active, ok := m.reg.Active()
		if !ok {
			return ErrNoActivePeer
		}
		m.tr.DisconnectFromEndpoint(active.ID)
		m.dropActive(active.ID)
		return nil
	})
}

// SetDisplayName renames the local device. An active advertisement is
// restarted so nearby scanners pick up the new name.
func (m *Manager) SetDisplayName(name string) error {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	if m.displayName == name {
		m.mu.Unlock()
		return nil
	}
	m.displayName = name
	advertising := m.session.Mode.Advertising()
	m.mu.Unlock()

	if !advertising {
		return nil
	}
	m.tr.StopAdvertising()
	if err := m.tr.StartAdvertising(context.Background(), name, m.opts.ServiceID); err != nil {
		m.mu.Lock()
		m.session.Mode = modeOf(false, m.session.Mode.Discovering())
		m.mu.Unlock()
		return fmt.Errorf("restart advertising: %w", err)
	}
	log.Infof("advertising as %q", name)
	return nil
}

// exec runs fn on the loop goroutine and waits for its result.
func (m *Manager) exec(fn func(ctx context.Context) error) error {
	m.mu.Lock()
	done := m.loopDone
	m.mu.Unlock()
	if done == nil {
		return ErrIdle
	}

	reply := make(chan error, 1)
	select {
	case m.cmds <- func(ctx context.Context) { reply <- fn(ctx) }:
	case <-done:
		return ErrIdle
	}
	select {
	case err := <-reply:
		return err
	case <-done:
		return ErrIdle
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if m.opts.ConnectTimeout > 0 {
		interval := m.opts.ConnectTimeout / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	events := m.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Warn("transport event stream closed")
				return
			}
			m.handle(ctx, ev)
		case fn := <-m.cmds:
			fn(ctx)
		case <-tick:
			m.expireRequests()
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev transport.Event) {
	log.Debugf("transport: %s", ev)
	switch ev.Kind {
	case transport.EventEndpointFound:
		m.onFound(ctx, ev)
	case transport.EventEndpointLost:
		m.onLost(ev)
	case transport.EventConnectionRequested:
		m.onOffer(ev)
	case transport.EventConnectionResult:
		m.onResult(ev)
	case transport.EventDisconnected:
		m.onDisconnected(ctx, ev)
	case transport.EventPayloadReceived:
		m.onPayload(ev)
	case transport.EventPayloadSent:
		kind := PayloadDelivered
		if ev.Err != nil {
			kind = PayloadFailed
		}
		m.emit(Event{Kind: kind, EndpointID: ev.EndpointID, PayloadID: PayloadID(ev.PayloadID), Err: ev.Err})
	}
}

func (m *Manager) onFound(ctx context.Context, ev transport.Event) {
	if ev.EndpointID == m.tr.LocalID() {
		return
	}
	ep, created := m.reg.Discover(ev.EndpointID, ev.Name)
	if created {
		m.emit(Event{Kind: EndpointFound, EndpointID: ep.ID, DisplayName: ep.DisplayName})
	}
	if !m.opts.AutoConnect || ep.State != state.Discovered {
		return
	}
	if _, busy := m.reg.Active(); busy {
		return
	}
	if err := m.requestConnection(ctx, ep.ID); err != nil {
		log.Debugf("auto-connect to %s: %v", ep.ID, err)
	}
}

func (m *Manager) onLost(ev transport.Event) {
	ep, ok := m.reg.Get(ev.EndpointID)
	if !ok {
		return
	}
	switch ep.State {
	case state.Connected:
		// The link outlives the advertisement; a disconnect will follow if
		// the peer is really gone.
		return
	case state.ConnectionRequested:
		m.tr.DisconnectFromEndpoint(ep.ID)
	}
	m.reg.Remove(ep.ID)
	m.emit(Event{Kind: EndpointLost, EndpointID: ep.ID, DisplayName: ep.DisplayName})
}

func (m *Manager) onOffer(ev transport.Event) {
	id := ev.EndpointID
	ep, created := m.reg.Discover(id, ev.Name)
	if created {
		m.emit(Event{Kind: EndpointFound, EndpointID: id, DisplayName: ev.Name})
	}

	if active, ok := m.reg.Active(); ok {
		if active.ID != id {
			log.Infof("rejecting %s (%s): already connected to %s", id, ev.Name, active.ID)
		}
		if err := m.tr.RejectConnection(id); err != nil {
			log.Debugf("reject %s: %v", id, err)
		}
		return
	}

	if ep.State == state.Discovered {
		if err := m.reg.MarkRequested(id, ev.Name, true); err != nil {
			log.Warnf("offer from %s: %v", id, err)
			return
		}
		m.emit(Event{Kind: ConnectionRequested, EndpointID: id, DisplayName: ev.Name, Incoming: true})
	}
	// A crossed offer (we asked them while they asked us) is accepted as
	// well; the duplicate result is ignored.
	if err := m.tr.AcceptConnection(id); err != nil {
		m.reg.Reset(id)
		m.emit(Event{Kind: ConnectionFailed, EndpointID: id, DisplayName: ev.Name, Err: err})
	}
}

func (m *Manager) onResult(ev transport.Event) {
	id := ev.EndpointID
	ep, known := m.reg.Get(id)

	if ev.Err != nil {
		if !known || ep.State != state.ConnectionRequested {
			log.Debugf("ignoring late failure from %s: %v", id, ev.Err)
			return
		}
		m.reg.Reset(id)
		m.emit(Event{Kind: ConnectionFailed, EndpointID: id, DisplayName: ep.DisplayName, Err: ev.Err})
		return
	}

	switch {
	case !known || ep.State == state.Discovered:
		// Nobody asked for this one, or the request was abandoned.
		m.tr.DisconnectFromEndpoint(id)
		return
	case ep.State == state.Connected:
		return
	}

	connected, err := m.reg.MarkConnected(id, ev.Name)
	if err != nil {
		log.Infof("tearing down second session with %s: %v", id, err)
		m.tr.DisconnectFromEndpoint(id)
		m.reg.Reset(id)
		m.emit(Event{Kind: ConnectionFailed, EndpointID: id, DisplayName: ep.DisplayName, Err: transport.ErrConnectionRejected})
		return
	}

	m.mu.Lock()
	m.session.ActiveEndpointID = id
	m.mu.Unlock()
	log.Infof("connected to %s (%s)", id, connected.DisplayName)
	m.emit(Event{Kind: ConnectionEstablished, EndpointID: id, DisplayName: connected.DisplayName, Incoming: connected.Incoming})

	for _, pending := range m.reg.InState(state.ConnectionRequested) {
		m.tr.DisconnectFromEndpoint(pending.ID)
		m.reg.Reset(pending.ID)
	}
}

func (m *Manager) onDisconnected(ctx context.Context, ev transport.Event) {
	ep, ok := m.reg.Get(ev.EndpointID)
	if !ok {
		return
	}
	switch ep.State {
	case state.Connected:
		m.dropActive(ep.ID)
		if m.opts.AutoConnect {
			m.connectNext(ctx)
		}
	case state.ConnectionRequested:
		m.reg.Reset(ep.ID)
		m.emit(Event{Kind: ConnectionFailed, EndpointID: ep.ID, DisplayName: ep.DisplayName, Err: transport.ErrNotConnected})
	}
}

func (m *Manager) dropActive(id string) {
	ep, ok := m.reg.Remove(id)
	if !ok {
		return
	}
	m.mu.Lock()
	if m.session.ActiveEndpointID == id {
		m.session.ActiveEndpointID = ""
	}
	m.mu.Unlock()
	log.Infof("disconnected from %s", id)
	m.emit(Event{Kind: Disconnected, EndpointID: id, DisplayName: ep.DisplayName})
}

// connectNext tries the endpoint that has been waiting longest.
func (m *Manager) connectNext(ctx context.Context) {
	candidates := m.reg.InState(state.Discovered)
	if len(candidates) == 0 {
		return
	}
	if err := m.requestConnection(ctx, candidates[0].ID); err != nil {
		log.Debugf("reconnect to %s: %v", candidates[0].ID, err)
	}
}

func (m *Manager) requestConnection(ctx context.Context, id string) error {
	ep, ok := m.reg.Get(id)
	if !ok {
		return fmt.Errorf("request %s: %w", id, transport.ErrEndpointUnknown)
	}
	switch ep.State {
	case state.Connected, state.ConnectionRequested:
		return nil
	}
	if active, busy := m.reg.Active(); busy {
		return fmt.Errorf("request %s: %w (%s)", id, state.ErrAlreadyConnected, active.ID)
	}
	if err := m.reg.MarkRequested(id, "", false); err != nil {
		return fmt.Errorf("request %s: %w", id, err)
	}
	m.emit(Event{Kind: ConnectionRequested, EndpointID: id, DisplayName: ep.DisplayName})

	if err := m.tr.RequestConnection(ctx, m.DisplayName(), id); err != nil {
		m.reg.Reset(id)
		m.emit(Event{Kind: ConnectionFailed, EndpointID: id, DisplayName: ep.DisplayName, Err: err})
		return fmt.Errorf("request %s: %w", id, err)
	}
	return nil
}

func (m *Manager) expireRequests() {
	for _, id := range m.reg.ExpireRequests(time.Now().Add(-m.opts.ConnectTimeout)) {
		m.tr.DisconnectFromEndpoint(id)
		ep, _ := m.reg.Get(id)
		log.Infof("connection request to %s timed out", id)
		m.emit(Event{Kind: ConnectionFailed, EndpointID: id, DisplayName: ep.DisplayName, Err: transport.ErrConnectionTimedOut})
	}
}

func (m *Manager) onPayload(ev transport.Event) {
	active, ok := m.reg.Active()
	if !ok || active.ID != ev.EndpointID {
		log.Debugf("dropping %d bytes from inactive endpoint %s", len(ev.Payload), ev.EndpointID)
		return
	}
	m.emit(Event{Kind: PayloadReceived, EndpointID: ev.EndpointID, DisplayName: active.DisplayName, Payload: ev.Payload})
}

func (m *Manager) emit(ev Event) {
	m.out.Push(ev)
}
