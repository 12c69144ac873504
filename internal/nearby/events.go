package nearby

import "fmt"

type EventKind int

const (
	EndpointFound EventKind = iota + 1
	EndpointLost
	ConnectionRequested
	ConnectionEstablished
	ConnectionFailed
	Disconnected
	PayloadReceived
	PayloadDelivered
	PayloadFailed

	// Stopped closes every Stop call, after the Disconnected it may report.
	Stopped
)

func (k EventKind) String() string {
	switch k {
	case EndpointFound:
		return "endpoint_found"
	case EndpointLost:
		return "endpoint_lost"
	case ConnectionRequested:
		return "connection_requested"
	case ConnectionEstablished:
		return "connection_established"
	case ConnectionFailed:
		return "connection_failed"
	case Disconnected:
		return "disconnected"
	case PayloadReceived:
		return "payload_received"
	case PayloadDelivered:
		return "payload_delivered"
	case PayloadFailed:
		return "payload_failed"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PayloadID identifies one SendPayload call in later delivery events.
type PayloadID int64

// Event is published by the manager on Events(). Err is set for
// ConnectionFailed and PayloadFailed; Incoming tells whether a
// ConnectionRequested was offered by the remote side.
type Event struct {
	Kind        EventKind
	EndpointID  string
	DisplayName string
	Incoming    bool
	Payload     []byte
	PayloadID   PayloadID
	Err         error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%s): %v", e.Kind, e.EndpointID, e.Err)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.EndpointID)
}
