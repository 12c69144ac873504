// Package p2p is the libp2p-backed proximity transport: mDNS for discovery
// on the local network, a JSON handshake protocol for connection offers and
// one stream per payload with a transport ACK.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/transport"
	"github.com/petervdpas/nearchat/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and mDNS chatter would otherwise flood the console.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("mdns", "warn")
	logging.SetLogLevel("basichost", "warn")
}

var ErrPayloadTooLarge = errors.New("p2p: payload too large")

const (
	diagMax    = 200
	diagTail   = 50 // entries shown by DiagSnapshot
	protectTag = "nearchat-session"
)

type Options struct {
	ListenPort  int
	KeyFile     string
	LostAfter   time.Duration
	SendTimeout time.Duration
	SendRetries int
	MaxPayload  int

	// DisableMDNS leaves discovery to explicit HandlePeerFound calls.
	DisableMDNS bool
}

func (o *Options) setDefaults() {
	if o.LostAfter <= 0 {
		o.LostAfter = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = 32 * 1024
	}
}

// seenPeer is a peer that answered our info probe while discovering.
type seenPeer struct {
	name string
	last time.Time
}

// offer is an inbound connection request waiting for Accept/Reject.
type offer struct {
	name  string
	reply chan bool
}

// Node implements transport.Transport on a libp2p host.
type Node struct {
	Host host.Host

	opts   Options
	events *util.Queue[transport.Event]
	diags  *util.RingBuffer[string]

	mu          sync.Mutex
	name        string
	service     string
	advertising bool
	discovering bool
	md          mdns.Service
	pruneCancel context.CancelFunc
	seen        map[peer.ID]*seenPeer
	probing     map[peer.ID]bool
	offers      map[peer.ID]*offer
	dialing     map[peer.ID]context.CancelFunc
	links       map[peer.ID]*link
	closed      bool

	startTime time.Time
}

var _ transport.Transport = (*Node)(nil)

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(opts Options) (*Node, error) {
	opts.setDefaults()

	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", opts.KeyFile)
	}

	listen, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort))
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listen),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, mapStartErr(err)
	}

	n := &Node{
		Host:      h,
		opts:      opts,
		events:    util.NewQueue[transport.Event](),
		diags:     util.NewRingBuffer[string](diagMax),
		seen:      make(map[peer.ID]*seenPeer),
		probing:   make(map[peer.ID]bool),
		offers:    make(map[peer.ID]*offer),
		dialing:   make(map[peer.ID]context.CancelFunc),
		links:     make(map[peer.ID]*link),
		startTime: time.Now(),
	}

	h.Network().Notify(&network.NotifyBundle{DisconnectedF: n.onConnClosed})

	for _, a := range lanAddrs(h.Addrs()) {
		log.Infof("listening on %s/p2p/%s", a, h.ID())
	}
	return n, nil
}

// lanAddrs drops loopback addresses, which are useless to nearby devices.
func lanAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if manet.IsIPLoopback(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// mapStartErr classifies radio start failures into the transport's fatal
// start errors.
func mapStartErr(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", transport.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", transport.ErrTransportUnavailable, err)
}

func (n *Node) LocalID() string { return n.Host.ID().String() }

func (n *Node) Events() <-chan transport.Event { return n.events.Out() }

func (n *Node) DrainEvents() int { return n.events.Drain() }

func (n *Node) emit(ev transport.Event) { n.events.Push(ev) }

// ensureServiceLocked binds the node to serviceID and starts mDNS on first
// use. A node serves a single service for its lifetime.
func (n *Node) ensureServiceLocked(serviceID string) error {
	if n.service != "" && n.service != serviceID {
		return fmt.Errorf("p2p: node already serving %q", n.service)
	}
	if n.service == "" {
		n.service = serviceID
		n.Host.SetStreamHandler(protocol.ID(proto.PayloadProtoID(serviceID)), n.handlePayload)
	}
	if n.md != nil || n.opts.DisableMDNS {
		return nil
	}
	md := mdns.NewMdnsService(n.Host, proto.MdnsTag(serviceID), n)
	if err := md.Start(); err != nil {
		return mapStartErr(err)
	}
	n.md = md
	n.diag("mdns: started for %s", serviceID)
	return nil
}

// releaseServiceLocked detaches mDNS once neither advertising nor discovery
// needs it. The caller closes the returned service after unlocking, since
// closing waits for the resolver goroutine that calls HandlePeerFound.
func (n *Node) releaseServiceLocked() mdns.Service {
	if n.advertising || n.discovering || n.md == nil {
		return nil
	}
	md := n.md
	n.md = nil
	n.diag("mdns: stopped")
	return md
}

func closeMDNS(md mdns.Service) {
	if md != nil {
		_ = md.Close()
	}
}

func (n *Node) StartAdvertising(_ context.Context, displayName, serviceID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return transport.ErrClosed
	}
	n.name = displayName
	if n.advertising {
		return nil
	}
	if err := n.ensureServiceLocked(serviceID); err != nil {
		return err
	}
	n.advertising = true
	n.Host.SetStreamHandler(protocol.ID(proto.ConnectProtoID(serviceID)), n.handleConnect)
	n.Host.SetStreamHandler(protocol.ID(proto.InfoProtoID(serviceID)), n.handleInfo)
	n.diag("advertising %s as %q", serviceID, displayName)
	return nil
}

func (n *Node) StopAdvertising() {
	n.mu.Lock()
	if !n.advertising {
		n.mu.Unlock()
		return
	}
	n.advertising = false
	n.Host.RemoveStreamHandler(protocol.ID(proto.ConnectProtoID(n.service)))
	n.Host.RemoveStreamHandler(protocol.ID(proto.InfoProtoID(n.service)))
	md := n.releaseServiceLocked()
	n.mu.Unlock()
	closeMDNS(md)
}

func (n *Node) StartDiscovery(_ context.Context, serviceID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return transport.ErrClosed
	}
	if n.discovering {
		return nil
	}
	if err := n.ensureServiceLocked(serviceID); err != nil {
		return err
	}
	n.discovering = true
	ctx, cancel := context.WithCancel(context.Background())
	n.pruneCancel = cancel
	go n.pruneLoop(ctx)
	n.diag("discovering %s", serviceID)
	return nil
}

func (n *Node) StopDiscovery() {
	n.mu.Lock()
	if !n.discovering {
		n.mu.Unlock()
		return
	}
	n.discovering = false
	n.pruneCancel()
	n.pruneCancel = nil
	n.seen = make(map[peer.ID]*seenPeer)
	md := n.releaseServiceLocked()
	n.mu.Unlock()
	closeMDNS(md)
}

func (n *Node) StopAllEndpoints() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for pid := range n.links {
		n.disconnectLocked(pid)
	}
	for pid := range n.dialing {
		n.disconnectLocked(pid)
	}
	for pid := range n.offers {
		n.disconnectLocked(pid)
	}
}

func (n *Node) Close() error {
	n.StopAllEndpoints()
	n.StopAdvertising()
	n.StopDiscovery()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.events.Close()
	return n.Host.Close()
}

// onConnClosed fires for every closed connection. Only the last connection
// to a linked or negotiating peer counts as a disconnect.
func (n *Node) onConnClosed(nw network.Network, c network.Conn) {
	pid := c.RemotePeer()
	if nw.Connectedness(pid) == network.Connected {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[pid]; ok {
		delete(n.links, pid)
		l.stop()
		n.Host.ConnManager().Unprotect(pid, protectTag)
		// Forget the peer so the next mDNS round reports it again.
		delete(n.seen, pid)
		n.diag("link to %s dropped", shortID(pid))
		n.emit(transport.Event{Kind: transport.EventDisconnected, EndpointID: pid.String()})
		return
	}
	if o, ok := n.offers[pid]; ok {
		delete(n.offers, pid)
		o.reply <- false
		n.emit(transport.Event{Kind: transport.EventDisconnected, EndpointID: pid.String()})
	}
}

// diag logs a transport diagnostic and keeps it in the ring buffer exposed
// by DiagSnapshot.
func (n *Node) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Debug(msg)
	n.diags.Push(fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg))
}

// DiagSnapshot returns node health for the local bridge.
func (n *Node) DiagSnapshot() map[string]any {
	n.mu.Lock()
	links := make([]string, 0, len(n.links))
	for pid := range n.links {
		links = append(links, pid.String())
	}
	seen := len(n.seen)
	service := n.service
	adv, disc := n.advertising, n.discovering
	n.mu.Unlock()

	addrs := make([]string, 0)
	for _, a := range lanAddrs(n.Host.Addrs()) {
		addrs = append(addrs, a.String())
	}

	return map[string]any{
		"peer_id":     n.Host.ID().String(),
		"addrs":       addrs,
		"service":     service,
		"advertising": adv,
		"discovering": disc,
		"seen":        seen,
		"links":       links,
		"uptime":      time.Since(n.startTime).Round(time.Second).String(),
		"logs":        n.diags.Tail(diagTail),
	}
}

func shortID(pid peer.ID) string {
	s := pid.String()
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}
