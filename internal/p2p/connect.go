package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/transport"
	"github.com/petervdpas/nearchat/internal/util"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// handleConnect is the stream handler for the connect protocol. It reads
// one request line, reports the offer and answers once the consumer calls
// AcceptConnection or RejectConnection.
func (n *Node) handleConnect(s network.Stream) {
	defer s.Close()
	pid := s.Conn().RemotePeer()

	_ = s.SetReadDeadline(time.Now().Add(util.DefaultHandshakeTimeout))
	var req proto.HandshakeMsg
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil || req.Type != proto.TypeRequest {
		log.Debugf("bad connect request from %s: %v", shortID(pid), err)
		_ = s.Reset()
		return
	}

	o := &offer{name: req.Name, reply: make(chan bool, 1)}
	n.mu.Lock()
	if prev, ok := n.offers[pid]; ok {
		prev.reply <- false
	}
	n.offers[pid] = o
	n.mu.Unlock()

	n.diag("offer from %s (%q)", shortID(pid), req.Name)
	n.emit(transport.Event{Kind: transport.EventConnectionRequested, EndpointID: pid.String(), Name: req.Name})

	var accepted bool
	select {
	case accepted = <-o.reply:
	case <-time.After(util.DefaultHandshakeTimeout):
		n.mu.Lock()
		if n.offers[pid] == o {
			delete(n.offers, pid)
			n.mu.Unlock()
			n.emit(transport.Event{Kind: transport.EventDisconnected, EndpointID: pid.String()})
		} else {
			// Answered while we were timing out.
			n.mu.Unlock()
			accepted = <-o.reply
		}
	}

	n.mu.Lock()
	name := n.name
	n.mu.Unlock()

	resp := proto.HandshakeMsg{Type: proto.TypeReject, Name: name, TS: proto.NowMillis()}
	if accepted {
		resp.Type = proto.TypeAccept
	}
	_ = s.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
	if err := json.NewEncoder(s).Encode(resp); err != nil && accepted {
		// The requester gave up before hearing our answer.
		n.mu.Lock()
		if _, ok := n.links[pid]; ok {
			n.disconnectLocked(pid)
		}
		n.mu.Unlock()
		n.emit(transport.Event{Kind: transport.EventDisconnected, EndpointID: pid.String()})
	}
}

func (n *Node) AcceptConnection(endpointID string) error {
	return n.answer(endpointID, true)
}

func (n *Node) RejectConnection(endpointID string) error {
	return n.answer(endpointID, false)
}

func (n *Node) answer(endpointID string, accept bool) error {
	pid, err := peer.Decode(endpointID)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrEndpointUnknown, err)
	}

	n.mu.Lock()
	o, ok := n.offers[pid]
	if !ok {
		n.mu.Unlock()
		return transport.ErrEndpointUnknown
	}
	delete(n.offers, pid)
	if accept {
		n.linkLocked(pid)
	}
	n.mu.Unlock()

	if accept {
		n.diag("accepted %s", shortID(pid))
		n.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: endpointID, Name: o.name})
	}
	o.reply <- accept
	return nil
}

// RequestConnection dials endpointID and runs the handshake in the
// background. The outcome is an EventConnectionResult.
func (n *Node) RequestConnection(ctx context.Context, displayName, endpointID string) error {
	pid, err := peer.Decode(endpointID)
	if err != nil {
		n.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: endpointID, Err: transport.ErrEndpointUnknown})
		return nil
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return transport.ErrClosed
	}
	if _, ok := n.links[pid]; ok {
		n.mu.Unlock()
		return nil
	}
	if _, ok := n.dialing[pid]; ok {
		n.mu.Unlock()
		return nil
	}
	dctx, cancel := context.WithCancel(ctx)
	n.dialing[pid] = cancel
	service := n.service
	n.mu.Unlock()

	go n.dial(dctx, pid, service, displayName)
	return nil
}

func (n *Node) dial(ctx context.Context, pid peer.ID, service, displayName string) {
	resp, err := n.handshake(ctx, pid, service, displayName)

	n.mu.Lock()
	cancel, stillWanted := n.dialing[pid]
	delete(n.dialing, pid)
	if stillWanted {
		cancel()
	}
	if err == nil && resp.Type == proto.TypeAccept && stillWanted {
		n.linkLocked(pid)
	}
	n.mu.Unlock()

	switch {
	case !stillWanted:
		// Abandoned through DisconnectFromEndpoint; the consumer already
		// moved on.
		if err == nil && resp.Type == proto.TypeAccept {
			go func() { _ = n.Host.Network().ClosePeer(pid) }()
		}
	case err != nil:
		n.diag("connect to %s failed: %v", shortID(pid), err)
		n.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: pid.String(), Err: fmt.Errorf("%w: %v", transport.ErrEndpointUnknown, err)})
	case resp.Type != proto.TypeAccept:
		n.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: pid.String(), Err: transport.ErrConnectionRejected})
	default:
		n.diag("connected to %s (%q)", shortID(pid), resp.Name)
		n.emit(transport.Event{Kind: transport.EventConnectionResult, EndpointID: pid.String(), Name: resp.Name})
	}
}

func (n *Node) handshake(ctx context.Context, pid peer.ID, service, displayName string) (proto.HandshakeMsg, error) {
	var resp proto.HandshakeMsg

	dctx, cancel := context.WithTimeout(ctx, util.DefaultDialTimeout)
	defer cancel()
	if err := n.Host.Connect(dctx, peer.AddrInfo{ID: pid}); err != nil {
		return resp, err
	}
	s, err := n.Host.NewStream(dctx, pid, protocol.ID(proto.ConnectProtoID(service)))
	if err != nil {
		return resp, err
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.Reset() })
	defer stop()

	req := proto.HandshakeMsg{Type: proto.TypeRequest, Name: displayName, TS: proto.NowMillis()}
	if err := json.NewEncoder(s).Encode(req); err != nil {
		return resp, fmt.Errorf("send request: %w", err)
	}

	// The remote waits up to DefaultHandshakeTimeout for its consumer.
	_ = s.SetReadDeadline(time.Now().Add(util.DefaultHandshakeTimeout + util.ShortTimeout))
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&resp); err != nil {
		return resp, fmt.Errorf("waiting for answer: %w", err)
	}
	return resp, nil
}

func (n *Node) DisconnectFromEndpoint(endpointID string) {
	pid, err := peer.Decode(endpointID)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnectLocked(pid)
}

// disconnectLocked drops a link, cancels a dial or declines an offer. A
// dropped link closes the libp2p connection so the remote side observes the
// disconnect; the local side gets no event but reports the peer again on its
// next announcement.
func (n *Node) disconnectLocked(pid peer.ID) {
	if l, ok := n.links[pid]; ok {
		delete(n.links, pid)
		delete(n.seen, pid)
		l.stop()
		n.Host.ConnManager().Unprotect(pid, protectTag)
		n.diag("disconnecting %s", shortID(pid))
		go func() { _ = n.Host.Network().ClosePeer(pid) }()
		return
	}
	if cancel, ok := n.dialing[pid]; ok {
		delete(n.dialing, pid)
		cancel()
		return
	}
	if o, ok := n.offers[pid]; ok {
		delete(n.offers, pid)
		o.reply <- false
	}
}

func (n *Node) linkLocked(pid peer.ID) {
	if _, ok := n.links[pid]; ok {
		return
	}
	n.links[pid] = n.newLink(pid)
	n.Host.ConnManager().Protect(pid, protectTag)
}
