package chat

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message was typed here or arrived from the peer.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Kind separates user text from notices generated by the app itself.
type Kind string

const (
	User   Kind = "user"
	System Kind = "system"
)

// ChatMessage is one entry in the log. It is never modified after Append.
type ChatMessage struct {
	ID         string    `json:"id"`                    // uuid
	Text       string    `json:"text"`                  // message body
	Direction  Direction `json:"direction"`             // outgoing|incoming
	Kind       Kind      `json:"kind"`                  // user|system
	Sequence   uint64    `json:"sequence"`              // local append order, starts at 1
	EndpointID string    `json:"endpoint_id,omitempty"` // peer the message relates to
	Timestamp  int64     `json:"timestamp"`             // unix timestamp in milliseconds
}

// NewOutgoing creates a message typed by the local user.
func NewOutgoing(endpointID, text string) ChatMessage {
	return ChatMessage{ID: uuid.NewString(), Text: text, Direction: Outgoing, Kind: User, EndpointID: endpointID}
}

// NewIncoming creates a message received from endpointID.
func NewIncoming(endpointID, text string) ChatMessage {
	return ChatMessage{ID: uuid.NewString(), Text: text, Direction: Incoming, Kind: User, EndpointID: endpointID}
}

// NewSystem creates a local notice.
func NewSystem(endpointID, text string) ChatMessage {
	return ChatMessage{ID: uuid.NewString(), Text: text, Direction: Incoming, Kind: System, EndpointID: endpointID}
}

// Time returns the append time.
func (m ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
