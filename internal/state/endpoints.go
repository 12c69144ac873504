package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

var (
	ErrAlreadyConnected  = errors.New("state: another endpoint is already connected")
	ErrUnknownEndpoint   = errors.New("state: unknown endpoint")
	ErrInvalidTransition = errors.New("state: invalid endpoint transition")
)

type EndpointState int

const (
	Discovered EndpointState = iota + 1
	ConnectionRequested
	Connected
	Disconnected
)

func (s EndpointState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case ConnectionRequested:
		return "connection_requested"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s EndpointState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Endpoint is a nearby peer as seen by this device.
type Endpoint struct {
	ID           string        `json:"id"`
	DisplayName  string        `json:"display_name"`
	State        EndpointState `json:"state"`
	Incoming     bool          `json:"incoming,omitempty"` // offer came from the remote side
	DiscoveredAt time.Time     `json:"discovered_at"`
	RequestedAt  time.Time     `json:"requested_at,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at,omitempty"`
}

type EndpointEvent struct {
	Type       string    `json:"type"` // update|remove
	EndpointID string    `json:"endpoint_id"`
	Endpoint   *Endpoint `json:"endpoint,omitempty"`
}

// EndpointRegistry maps endpoint ids to their records. At most one endpoint
// is Connected at a time; MarkConnected is the only place that can make one
// so, and it checks the slot under the same lock that sets it.
//
// Writers are expected to be a single event loop. Reads from other
// goroutines are synchronized and always return copies.
type EndpointRegistry struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	active    string
	listeners []chan EndpointEvent
	now       func() time.Time
}

func NewEndpointRegistry() *EndpointRegistry {
	return &EndpointRegistry{
		endpoints: map[string]Endpoint{},
		listeners: make([]chan EndpointEvent, 0),
		now:       time.Now,
	}
}

// Discover records a newly found endpoint. An already known endpoint keeps
// its state and only picks up a non-empty display name.
func (r *EndpointRegistry) Discover(id, displayName string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		if displayName != "" && ep.DisplayName != displayName {
			ep.DisplayName = displayName
			r.endpoints[id] = ep
			r.notifyListeners(EndpointEvent{Type: "update", EndpointID: id, Endpoint: &ep})
		}
		return ep, false
	}
	ep := Endpoint{
		ID:           id,
		DisplayName:  displayName,
		State:        Discovered,
		DiscoveredAt: r.now(),
	}
	r.endpoints[id] = ep
	r.notifyListeners(EndpointEvent{Type: "update", EndpointID: id, Endpoint: &ep})
	return ep, true
}

// MarkRequested moves a Discovered endpoint to ConnectionRequested.
func (r *EndpointRegistry) MarkRequested(id, displayName string, incoming bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return ErrUnknownEndpoint
	}
	switch ep.State {
	case ConnectionRequested:
		return nil
	case Discovered:
	default:
		return ErrInvalidTransition
	}
	ep.State = ConnectionRequested
	ep.Incoming = incoming
	ep.RequestedAt = r.now()
	if displayName != "" {
		ep.DisplayName = displayName
	}
	r.endpoints[id] = ep
	r.notifyListeners(EndpointEvent{Type: "update", EndpointID: id, Endpoint: &ep})
	return nil
}

// MarkConnected makes id the active endpoint. It fails with
// ErrAlreadyConnected when a different endpoint holds the slot.
func (r *EndpointRegistry) MarkConnected(id, displayName string) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != "" && r.active != id {
		return Endpoint{}, ErrAlreadyConnected
	}
	ep, ok := r.endpoints[id]
	if !ok {
		ep = Endpoint{ID: id, DiscoveredAt: r.now()}
	}
	if ep.State == Connected {
		return ep, nil
	}
	ep.State = Connected
	ep.ConnectedAt = r.now()
	if displayName != "" {
		ep.DisplayName = displayName
	}
	r.endpoints[id] = ep
	r.active = id
	r.notifyListeners(EndpointEvent{Type: "update", EndpointID: id, Endpoint: &ep})
	return ep, nil
}

// Reset returns a ConnectionRequested endpoint to Discovered after a failed
// or abandoned attempt. It reports whether anything changed.
func (r *EndpointRegistry) Reset(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetLocked(id)
}

func (r *EndpointRegistry) resetLocked(id string) bool {
	ep, ok := r.endpoints[id]
	if !ok || ep.State != ConnectionRequested {
		return false
	}
	ep.State = Discovered
	ep.Incoming = false
	ep.RequestedAt = time.Time{}
	r.endpoints[id] = ep
	r.notifyListeners(EndpointEvent{Type: "update", EndpointID: id, Endpoint: &ep})
	return true
}

// Remove deletes an endpoint. A connected endpoint releases the active slot
// and is returned in state Disconnected.
func (r *EndpointRegistry) Remove(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	if ep.State == Connected {
		ep.State = Disconnected
	}
	if r.active == id {
		r.active = ""
	}
	delete(r.endpoints, id)
	r.notifyListeners(EndpointEvent{Type: "remove", EndpointID: id})
	return ep, true
}

func (r *EndpointRegistry) Get(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// Active returns the connected endpoint, if any.
func (r *EndpointRegistry) Active() (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return Endpoint{}, false
	}
	ep, ok := r.endpoints[r.active]
	return ep, ok
}

// InState returns the endpoints in state s, oldest discovery first.
func (r *EndpointRegistry) InState(s EndpointState) []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := lo.Filter(lo.Values(r.endpoints), func(ep Endpoint, _ int) bool {
		return ep.State == s
	})
	sortByDiscovery(out)
	return out
}

// Snapshot returns every endpoint, oldest discovery first.
func (r *EndpointRegistry) Snapshot() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := lo.Values(r.endpoints)
	sortByDiscovery(out)
	return out
}

func (r *EndpointRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

// Clear drops every endpoint, including the active one.
func (r *EndpointRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.endpoints {
		delete(r.endpoints, id)
		r.notifyListeners(EndpointEvent{Type: "remove", EndpointID: id})
	}
	r.active = ""
}

// ExpireRequests resets endpoints whose connection request is older than
// cutoff and returns their ids.
func (r *EndpointRegistry) ExpireRequests(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, ep := range r.endpoints {
		if ep.State == ConnectionRequested && ep.RequestedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		r.resetLocked(id)
	}
	return expired
}

func (r *EndpointRegistry) Subscribe() chan EndpointEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan EndpointEvent, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *EndpointRegistry) Unsubscribe(ch chan EndpointEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *EndpointRegistry) notifyListeners(evt EndpointEvent) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func sortByDiscovery(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].DiscoveredAt.Equal(eps[j].DiscoveredAt) {
			return eps[i].ID < eps[j].ID
		}
		return eps[i].DiscoveredAt.Before(eps[j].DiscoveredAt)
	})
}
