package proto

import (
	"fmt"
	"time"
)

const (
	// DefaultServiceID is the service both sides advertise and scan for.
	DefaultServiceID = "chat_service"

	MdnsTagPrefix = "nearchat-"
)

// ConnectProtoID is the libp2p stream protocol used to negotiate a
// point-to-point session for serviceID.
func ConnectProtoID(serviceID string) string {
	return fmt.Sprintf("/nearchat/%s/connect/1.0.0", serviceID)
}

// PayloadProtoID carries one raw payload per stream; the stream boundary is
// the payload boundary.
func PayloadProtoID(serviceID string) string {
	return fmt.Sprintf("/nearchat/%s/payload/1.0.0", serviceID)
}

// InfoProtoID answers a discovery probe with the advertised display name
// (single line). Only advertising nodes serve it.
func InfoProtoID(serviceID string) string {
	return fmt.Sprintf("/nearchat/%s/info/1.0.0", serviceID)
}

// MdnsTag scopes mDNS discovery to a single service.
func MdnsTag(serviceID string) string {
	return MdnsTagPrefix + serviceID
}

const (
	TypeRequest = "request"
	TypeAccept  = "accept"
	TypeReject  = "reject"
)

// HandshakeMsg is one newline-delimited JSON line on the connect protocol.
type HandshakeMsg struct {
	Type string `json:"type"` // request|accept|reject
	Name string `json:"name,omitempty"`
	TS   int64  `json:"ts"`
}

// AckMsg is written back by the receiver once a payload has been read in
// full.
type AckMsg struct {
	OK    bool   `json:"ok"`
	Size  int    `json:"size"`
	Error string `json:"error,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
