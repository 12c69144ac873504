// Package transport defines the proximity-transport contract the connection
// manager drives, plus an in-memory implementation used for simulation.
//
// A transport reports everything asynchronously through Events(): discovery
// results, connection offers and outcomes, disconnects, inbound payloads and
// delivery results. Callbacks that arrive on arbitrary goroutines are funneled
// through an unbounded util.Queue so the consumer sees a single ordered
// stream.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport errors. Start-time errors are fatal for a session; the rest are
// reported through events and are recoverable.
var (
	ErrPermissionDenied     = errors.New("transport: permission denied")
	ErrTransportUnavailable = errors.New("transport: unavailable")
	ErrConnectionRejected   = errors.New("transport: connection rejected")
	ErrConnectionTimedOut   = errors.New("transport: connection timed out")
	ErrEndpointUnknown      = errors.New("transport: endpoint unknown")
	ErrNotConnected         = errors.New("transport: endpoint not connected")
	ErrClosed               = errors.New("transport: closed")
)

// EventKind classifies a transport event.
type EventKind int

const (
	EventEndpointFound EventKind = iota + 1
	EventEndpointLost
	EventConnectionRequested
	EventConnectionResult
	EventDisconnected
	EventPayloadReceived
	EventPayloadSent
)

func (k EventKind) String() string {
	switch k {
	case EventEndpointFound:
		return "endpoint_found"
	case EventEndpointLost:
		return "endpoint_lost"
	case EventConnectionRequested:
		return "connection_requested"
	case EventConnectionResult:
		return "connection_result"
	case EventDisconnected:
		return "disconnected"
	case EventPayloadReceived:
		return "payload_received"
	case EventPayloadSent:
		return "payload_sent"
	default:
		return "unknown"
	}
}

// Event is a single transport callback.
//
// EndpointID is always set. Name carries the remote display name when the
// transport knows it. Err is set on a failed ConnectionResult or PayloadSent.
// PayloadID ties a PayloadSent back to the SendPayload call that queued it.
type Event struct {
	Kind       EventKind
	EndpointID string
	Name       string
	Payload    []byte
	PayloadID  int64
	Err        error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%s): %v", e.Kind, e.EndpointID, e.Err)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.EndpointID)
}

// Transport is a point-to-point proximity link: a device advertises and
// discovers peers under a service identifier, negotiates connections and
// exchanges opaque payloads once connected.
//
// None of the methods block on the radio. Outcomes arrive on Events().
// Implementations must be safe for concurrent use.
type Transport interface {
	// LocalID is this device's own endpoint id, as peers will see it.
	LocalID() string

	// StartAdvertising makes this device discoverable under serviceID and
	// starts accepting inbound connection offers. Idempotent.
	StartAdvertising(ctx context.Context, displayName, serviceID string) error
	StopAdvertising()

	// StartDiscovery scans for devices advertising serviceID. Idempotent.
	StartDiscovery(ctx context.Context, serviceID string) error
	StopDiscovery()

	// RequestConnection offers a connection to endpointID. The result is an
	// EventConnectionResult for the same endpoint.
	RequestConnection(ctx context.Context, displayName, endpointID string) error

	// AcceptConnection and RejectConnection answer an inbound offer reported
	// by EventConnectionRequested.
	AcceptConnection(endpointID string) error
	RejectConnection(endpointID string) error

	// SendPayload queues payload for a connected endpoint. The outcome is an
	// EventPayloadSent carrying payloadID.
	SendPayload(endpointID string, payloadID int64, payload []byte) error

	// DisconnectFromEndpoint drops a connection or cancels a pending one.
	// The remote side observes EventDisconnected; the local side does not.
	// Either side reports the other as found again while it stays in range.
	DisconnectFromEndpoint(endpointID string)
	StopAllEndpoints()

	Events() <-chan Event

	// DrainEvents discards every event not yet received from Events() and
	// returns how many were dropped. Callers stop reading first.
	DrainEvents() int

	Close() error
}
