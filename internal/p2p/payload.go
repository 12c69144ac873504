package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/transport"
	"github.com/petervdpas/nearchat/internal/util"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const retryBackoff = 200 * time.Millisecond

type outbound struct {
	id   int64
	data []byte
}

// link is an established session with one peer. Payloads leave in the
// order they were queued, one at a time.
type link struct {
	pid    peer.ID
	queue  *util.Queue[outbound]
	ctx    context.Context
	cancel context.CancelFunc
}

func (n *Node) newLink(pid peer.ID) *link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		pid:    pid,
		queue:  util.NewQueue[outbound](),
		ctx:    ctx,
		cancel: cancel,
	}
	go n.sendLoop(l)
	return l
}

// stop abandons queued payloads; they get no delivery report.
func (l *link) stop() {
	l.cancel()
	l.queue.Close()
}

func (n *Node) SendPayload(endpointID string, payloadID int64, payload []byte) error {
	pid, err := peer.Decode(endpointID)
	if err != nil {
		return transport.ErrNotConnected
	}
	if len(payload) > n.opts.MaxPayload {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), n.opts.MaxPayload)
	}

	n.mu.Lock()
	l, ok := n.links[pid]
	n.mu.Unlock()
	if !ok {
		return transport.ErrNotConnected
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.queue.Push(outbound{id: payloadID, data: buf})
	return nil
}

func (n *Node) sendLoop(l *link) {
	for item := range l.queue.Out() {
		err := n.deliver(l.ctx, l.pid, item.data)
		if l.ctx.Err() != nil {
			return
		}
		if err != nil {
			n.diag("payload %d to %s failed: %v", item.id, shortID(l.pid), err)
		}
		n.emit(transport.Event{Kind: transport.EventPayloadSent, EndpointID: l.pid.String(), PayloadID: item.id, Err: err})
	}
}

// deliver sends data on a fresh stream and waits for the ACK, retrying up
// to SendRetries more times within SendTimeout. A lost ACK can cause the
// peer to see the payload twice.
func (n *Node) deliver(ctx context.Context, pid peer.ID, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.opts.SendTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt <= n.opts.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
		if err = n.sendOnce(ctx, pid, data); err == nil {
			return nil
		}
		log.Debugf("send to %s, attempt %d: %v", shortID(pid), attempt+1, err)
	}
	return err
}

func (n *Node) sendOnce(ctx context.Context, pid peer.ID, data []byte) error {
	n.mu.Lock()
	service := n.service
	n.mu.Unlock()

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.PayloadProtoID(service)))
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if _, err := s.Write(data); err != nil {
		_ = s.Reset()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		_ = s.Reset()
		return fmt.Errorf("close write: %w", err)
	}

	// Read the transport ACK from the stream (remote writes it back once the
	// payload has been read in full).
	var ack proto.AckMsg
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&ack); err != nil {
		return fmt.Errorf("waiting for ack: %w", err)
	}
	if !ack.OK {
		return errors.New(ack.Error)
	}
	if ack.Size != len(data) {
		return fmt.Errorf("ack size mismatch (got %d, want %d)", ack.Size, len(data))
	}
	return nil
}

// handlePayload is the stream handler for the payload protocol. The stream
// boundary is the payload boundary.
func (n *Node) handlePayload(s network.Stream) {
	defer s.Close()
	pid := s.Conn().RemotePeer()

	n.mu.Lock()
	_, linked := n.links[pid]
	n.mu.Unlock()
	if !linked {
		n.writeAck(s, proto.AckMsg{Error: transport.ErrNotConnected.Error()})
		return
	}

	_ = s.SetReadDeadline(time.Now().Add(n.opts.SendTimeout))
	data, err := io.ReadAll(io.LimitReader(s, int64(n.opts.MaxPayload)+1))
	if err != nil {
		log.Debugf("read payload from %s: %v", shortID(pid), err)
		_ = s.Reset()
		return
	}
	if len(data) > n.opts.MaxPayload {
		n.writeAck(s, proto.AckMsg{Error: ErrPayloadTooLarge.Error()})
		return
	}

	// Report before acknowledging so consecutive payloads keep their order.
	n.emit(transport.Event{Kind: transport.EventPayloadReceived, EndpointID: pid.String(), Payload: data})
	n.writeAck(s, proto.AckMsg{OK: true, Size: len(data)})
}

func (n *Node) writeAck(s network.Stream, ack proto.AckMsg) {
	_ = s.SetWriteDeadline(time.Now().Add(util.ShortTimeout))
	if err := json.NewEncoder(s).Encode(ack); err != nil {
		log.Debugf("ack write to %s: %v", shortID(s.Conn().RemotePeer()), err)
	}
}
