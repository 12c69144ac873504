package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/nearchat/internal/util"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("transport")

// ErrPayloadDropped is reported for payloads swallowed by a lossy Medium.
var ErrPayloadDropped = errors.New("transport: payload dropped by medium")

// Medium is a simulated radio shared by in-memory devices. Every device on
// the same Medium is "nearby" every other one. Payload delivery is
// synchronous and ordered; a Medium can be made lossy to exercise delivery
// failures, and links can be severed to simulate a peer walking away.
type Medium struct {
	mu      sync.Mutex
	devices map[string]*Device
	lossy   bool
}

// NewMedium returns an empty medium.
func NewMedium() *Medium {
	return &Medium{devices: make(map[string]*Device)}
}

// NewDevice attaches a new device with a fresh endpoint id.
func (m *Medium) NewDevice() *Device {
	d := &Device{
		medium:   m,
		id:       uuid.NewString()[:8],
		queue:    util.NewQueue[Event](),
		seen:     make(map[string]bool),
		outgoing: make(map[string]bool),
		incoming: make(map[string]string),
		links:    make(map[string]bool),
	}
	m.mu.Lock()
	m.devices[d.id] = d
	m.mu.Unlock()
	return d
}

// Device looks up an attached device by endpoint id.
func (m *Medium) Device(id string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	return d, ok
}

// SetLossy makes every subsequent payload fail with ErrPayloadDropped.
func (m *Medium) SetLossy(lossy bool) {
	m.mu.Lock()
	m.lossy = lossy
	m.mu.Unlock()
}

// Sever drops the link between a and b as if the radio faded for a moment.
// Both sides observe EventDisconnected and, while they keep discovering and
// advertising, find each other again.
func (m *Medium) Sever(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	da, okA := m.devices[a]
	db, okB := m.devices[b]
	if !okA || !okB || !da.links[b] {
		return
	}
	delete(da.links, b)
	delete(db.links, a)
	da.queue.Push(Event{Kind: EventDisconnected, EndpointID: b})
	db.queue.Push(Event{Kind: EventDisconnected, EndpointID: a})
	da.forgetLocked(db)
	db.forgetLocked(da)
}

// Device is one simulated handset on a Medium. It implements Transport.
// All mutable fields are guarded by the medium lock.
type Device struct {
	medium *Medium
	id     string
	queue  *util.Queue[Event]

	name        string
	service     string
	advertising bool
	discovering bool
	discService string
	startErr    error
	closed      bool

	seen     map[string]bool   // endpoints already reported found
	outgoing map[string]bool   // offers we made, awaiting an answer
	incoming map[string]string // offers we received: requester id -> name
	links    map[string]bool   // established connections
}

var _ Transport = (*Device)(nil)

func (d *Device) LocalID() string { return d.id }

func (d *Device) Events() <-chan Event { return d.queue.Out() }

func (d *Device) DrainEvents() int { return d.queue.Drain() }

// SetStartError makes the next StartAdvertising/StartDiscovery calls fail,
// simulating a missing radio permission or a disabled adapter.
func (d *Device) SetStartError(err error) {
	d.medium.mu.Lock()
	d.startErr = err
	d.medium.mu.Unlock()
}

func (d *Device) StartAdvertising(_ context.Context, displayName, serviceID string) error {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.startErr != nil {
		return d.startErr
	}
	if d.advertising && d.service == serviceID && d.name == displayName {
		return nil
	}
	d.advertising = true
	d.service = serviceID
	d.name = displayName
	for _, other := range m.devices {
		if other == d || !other.discovering || other.discService != serviceID {
			continue
		}
		other.reportFoundLocked(d)
	}
	log.Debugf("%s advertising %q as %q", d.id, serviceID, displayName)
	return nil
}

func (d *Device) StopAdvertising() {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if !d.advertising {
		return
	}
	d.advertising = false
	for _, other := range m.devices {
		if other == d || !other.seen[d.id] || other.links[d.id] {
			continue
		}
		delete(other.seen, d.id)
		other.queue.Push(Event{Kind: EventEndpointLost, EndpointID: d.id})
	}
}

func (d *Device) StartDiscovery(_ context.Context, serviceID string) error {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.startErr != nil {
		return d.startErr
	}
	if d.discovering && d.discService == serviceID {
		return nil
	}
	d.discovering = true
	d.discService = serviceID
	for _, other := range m.devices {
		if other == d || !other.advertising || other.service != serviceID {
			continue
		}
		d.reportFoundLocked(other)
	}
	return nil
}

func (d *Device) StopDiscovery() {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	d.discovering = false
	d.seen = make(map[string]bool)
}

func (d *Device) reportFoundLocked(adv *Device) {
	if d.seen[adv.id] {
		return
	}
	d.seen[adv.id] = true
	d.queue.Push(Event{Kind: EventEndpointFound, EndpointID: adv.id, Name: adv.name})
}

// forgetLocked clears what d knows about adv after a link ends and reports
// adv again if it is still in sight.
func (d *Device) forgetLocked(adv *Device) {
	delete(d.seen, adv.id)
	if d.discovering && adv.advertising && adv.service == d.discService {
		d.reportFoundLocked(adv)
	}
}

func (d *Device) RequestConnection(_ context.Context, displayName, endpointID string) error {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	target, ok := m.devices[endpointID]
	if !ok || !target.advertising {
		d.queue.Push(Event{Kind: EventConnectionResult, EndpointID: endpointID, Err: ErrEndpointUnknown})
		return nil
	}
	if d.links[endpointID] || d.outgoing[endpointID] {
		return nil
	}
	d.outgoing[endpointID] = true
	target.incoming[d.id] = displayName
	target.queue.Push(Event{Kind: EventConnectionRequested, EndpointID: d.id, Name: displayName})
	return nil
}

func (d *Device) AcceptConnection(endpointID string) error {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := d.incoming[endpointID]
	if !ok {
		return ErrEndpointUnknown
	}
	delete(d.incoming, endpointID)
	requester, ok := m.devices[endpointID]
	if !ok || !requester.outgoing[d.id] {
		return ErrEndpointUnknown
	}
	delete(requester.outgoing, d.id)

	d.links[endpointID] = true
	requester.links[d.id] = true
	requester.queue.Push(Event{Kind: EventConnectionResult, EndpointID: d.id, Name: d.name})
	d.queue.Push(Event{Kind: EventConnectionResult, EndpointID: endpointID, Name: name})
	return nil
}

func (d *Device) RejectConnection(endpointID string) error {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := d.incoming[endpointID]; !ok {
		return ErrEndpointUnknown
	}
	d.rejectLocked(endpointID)
	return nil
}

func (d *Device) rejectLocked(endpointID string) {
	delete(d.incoming, endpointID)
	if requester, ok := d.medium.devices[endpointID]; ok && requester.outgoing[d.id] {
		delete(requester.outgoing, d.id)
		requester.queue.Push(Event{Kind: EventConnectionResult, EndpointID: d.id, Err: ErrConnectionRejected})
	}
}

func (d *Device) SendPayload(endpointID string, payloadID int64, payload []byte) error {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if !d.links[endpointID] {
		return ErrNotConnected
	}
	if m.lossy {
		d.queue.Push(Event{Kind: EventPayloadSent, EndpointID: endpointID, PayloadID: payloadID, Err: ErrPayloadDropped})
		return nil
	}
	peer := m.devices[endpointID]
	buf := make([]byte, len(payload))
	copy(buf, payload)
	peer.queue.Push(Event{Kind: EventPayloadReceived, EndpointID: d.id, Payload: buf})
	d.queue.Push(Event{Kind: EventPayloadSent, EndpointID: endpointID, PayloadID: payloadID})
	return nil
}

func (d *Device) DisconnectFromEndpoint(endpointID string) {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	d.disconnectLocked(endpointID)
}

func (d *Device) disconnectLocked(endpointID string) {
	other, ok := d.medium.devices[endpointID]
	switch {
	case d.links[endpointID]:
		delete(d.links, endpointID)
		if ok {
			delete(other.links, d.id)
			other.queue.Push(Event{Kind: EventDisconnected, EndpointID: d.id})
			other.forgetLocked(d)
			d.forgetLocked(other)
		}
	case d.outgoing[endpointID]:
		delete(d.outgoing, endpointID)
		if ok {
			delete(d.seen, endpointID)
			if _, pending := other.incoming[d.id]; pending {
				delete(other.incoming, d.id)
				delete(other.seen, d.id)
				other.queue.Push(Event{Kind: EventDisconnected, EndpointID: d.id})
			}
		}
	default:
		if _, pending := d.incoming[endpointID]; pending {
			d.rejectLocked(endpointID)
		}
	}
}

func (d *Device) StopAllEndpoints() {
	m := d.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range d.links {
		d.disconnectLocked(id)
	}
	for id := range d.outgoing {
		d.disconnectLocked(id)
	}
	for id := range d.incoming {
		d.disconnectLocked(id)
	}
}

// Close detaches the device from the medium. Peers observe a disconnect or
// a lost endpoint, exactly as if the handset was switched off.
func (d *Device) Close() error {
	d.StopAdvertising()
	d.StopDiscovery()
	d.StopAllEndpoints()

	m := d.medium
	m.mu.Lock()
	d.closed = true
	delete(m.devices, d.id)
	m.mu.Unlock()

	d.queue.Close()
	return nil
}
