package p2p

import (
	"bufio"
	"context"
	"strings"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/transport"
	"github.com/petervdpas/nearchat/internal/util"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// HandlePeerFound is the mDNS notifee callback. mDNS only proves a peer runs
// the same service tag; the peer counts as found once it answers the info
// probe, which only advertising nodes serve.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.Host.ID() {
		return
	}
	if len(pi.Addrs) > 0 {
		n.Host.Peerstore().AddAddrs(pi.ID, pi.Addrs, 2*n.opts.LostAfter)
	}

	n.mu.Lock()
	if !n.discovering || n.probing[pi.ID] {
		n.mu.Unlock()
		return
	}
	if sp, ok := n.seen[pi.ID]; ok {
		sp.last = time.Now()
		n.mu.Unlock()
		return
	}
	n.probing[pi.ID] = true
	n.mu.Unlock()

	go n.probe(pi.ID)
}

func (n *Node) probe(pid peer.ID) {
	defer func() {
		n.mu.Lock()
		delete(n.probing, pid)
		n.mu.Unlock()
	}()

	name, err := n.fetchName(context.Background(), pid)
	if err != nil {
		log.Debugf("probe %s: %v", shortID(pid), err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.discovering {
		return
	}
	if _, ok := n.seen[pid]; ok {
		return
	}
	n.seen[pid] = &seenPeer{name: name, last: time.Now()}
	n.diag("found %s (%q)", shortID(pid), name)
	n.emit(transport.Event{Kind: transport.EventEndpointFound, EndpointID: pid.String(), Name: name})
}

// pruneLoop re-probes peers that mDNS has not announced for LostAfter and
// reports the ones that stopped answering as lost.
func (n *Node) pruneLoop(ctx context.Context) {
	interval := n.opts.LostAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		cutoff := time.Now().Add(-n.opts.LostAfter)
		var stale []peer.ID
		n.mu.Lock()
		for pid, sp := range n.seen {
			if sp.last.Before(cutoff) {
				stale = append(stale, pid)
			}
		}
		n.mu.Unlock()

		for _, pid := range stale {
			n.recheck(ctx, pid)
		}
	}
}

func (n *Node) recheck(ctx context.Context, pid peer.ID) {
	name, err := n.fetchName(ctx, pid)

	n.mu.Lock()
	defer n.mu.Unlock()
	sp, ok := n.seen[pid]
	if !ok || !n.discovering {
		return
	}
	if err == nil {
		sp.last = time.Now()
		if name != sp.name {
			sp.name = name
			n.emit(transport.Event{Kind: transport.EventEndpointFound, EndpointID: pid.String(), Name: name})
		}
		return
	}
	if _, linked := n.links[pid]; linked {
		// Still connected, so still in range; it just stopped advertising.
		return
	}
	delete(n.seen, pid)
	n.diag("lost %s: %v", shortID(pid), err)
	n.emit(transport.Event{Kind: transport.EventEndpointLost, EndpointID: pid.String()})
}

// handleInfo serves the advertised display name as a single line.
func (n *Node) handleInfo(s network.Stream) {
	defer s.Close()
	n.mu.Lock()
	name := n.name
	n.mu.Unlock()
	_, _ = s.Write([]byte(name + "\n"))
}

// fetchName asks pid for its advertised display name.
func (n *Node) fetchName(ctx context.Context, pid peer.ID) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, util.DefaultDialTimeout)
	defer cancel()

	n.mu.Lock()
	service := n.service
	n.mu.Unlock()

	if err := n.Host.Connect(ctx, peer.AddrInfo{ID: pid}); err != nil {
		return "", err
	}
	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.InfoProtoID(service)))
	if err != nil {
		return "", err
	}
	defer s.Close()

	_ = s.SetReadDeadline(time.Now().Add(util.ShortTimeout))
	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
