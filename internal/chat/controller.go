// Package chat keeps the conversation with the connected peer: an ordered
// message log fed by connection events, inbound payloads and local sends.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/nearchat/internal/codec"
	"github.com/petervdpas/nearchat/internal/nearby"
	"github.com/petervdpas/nearchat/internal/state"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("chat")

var ErrEmptyMessage = errors.New("chat: empty message")

const DefaultSOSText = "SOS: I need help"

// stopGrace bounds how long Stop waits for the manager's final events.
const stopGrace = 2 * time.Second

// ConnectionManager is the part of nearby.Manager the controller drives.
type ConnectionManager interface {
	Start(ctx context.Context) error
	Stop()
	SendPayload(b []byte) (nearby.PayloadID, error)
	Events() <-chan nearby.Event
	Session() nearby.Session
	Endpoints() []state.Endpoint
}

// Controller turns manager events into log entries and sends what the user
// types. All log writes go through one lock, so observers see a single
// serialized writer.
type Controller struct {
	mgr ConnectionManager
	log *MessageLog

	writeMu sync.Mutex
	sosText string
	pending map[nearby.PayloadID]uint64 // payload -> sequence of the echo

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{} // the loop handled a nearby.Stopped
}

func NewController(mgr ConnectionManager, sosText string) *Controller {
	if strings.TrimSpace(sosText) == "" {
		sosText = DefaultSOSText
	}
	return &Controller{
		mgr:     mgr,
		log:     NewMessageLog(),
		sosText: sosText,
		pending: make(map[nearby.PayloadID]uint64),
		stopped: make(chan struct{}, 1),
	}
}

// Start brings the radio up and begins consuming manager events. Calling it
// on a running controller only restarts the manager.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.mgr.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, c.done)
	return nil
}

// Stop shuts the radio down and waits for the event loop to exit. Whatever
// the manager reports while stopping, such as the final disconnect, is
// logged first. The log is kept.
func (c *Controller) Stop() {
	select {
	case <-c.stopped:
	default:
	}
	c.mgr.Stop()

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}

	select {
	case <-c.stopped:
	case <-done:
	case <-time.After(stopGrace):
		log.Warn("connection manager did not confirm stop")
	}
	cancel()
	<-done
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := c.mgr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
			if ev.Kind == nearby.Stopped {
				select {
				case c.stopped <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (c *Controller) handle(ev nearby.Event) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch ev.Kind {
	case nearby.ConnectionEstablished:
		c.log.Append(NewSystem(ev.EndpointID, fmt.Sprintf("Connected to %s", peerName(ev))))
	case nearby.Disconnected:
		c.log.Append(NewSystem(ev.EndpointID, fmt.Sprintf("Disconnected from %s", peerName(ev))))
	case nearby.PayloadReceived:
		text, err := codec.Decode(ev.Payload)
		if err != nil {
			log.Warnf("undecodable payload from %s: %v", ev.EndpointID, err)
			c.log.Append(NewSystem(ev.EndpointID, fmt.Sprintf("Unreadable message from %s: %v", peerName(ev), err)))
			return
		}
		c.log.Append(NewIncoming(ev.EndpointID, text))
	case nearby.PayloadDelivered:
		delete(c.pending, ev.PayloadID)
	case nearby.PayloadFailed:
		seq, ok := c.pending[ev.PayloadID]
		if !ok {
			log.Debugf("failure report for payload %d of an earlier session", ev.PayloadID)
			return
		}
		delete(c.pending, ev.PayloadID)
		c.log.Append(NewSystem(ev.EndpointID, notDelivered(seq, ev.Err)))
	case nearby.Stopped:
		// Reports for these payloads cannot arrive any more.
		clear(c.pending)
	case nearby.ConnectionFailed:
		log.Infof("connection to %s failed: %v", peerName(ev), ev.Err)
	default:
		log.Debugf("event %s", ev)
	}
}

// SendMessage appends the outgoing echo and hands the encoded text to the
// manager. Without a connected peer the echo stays in the log, followed by
// a "not delivered" notice, and nearby.ErrNoActivePeer is returned.
func (c *Controller) SendMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	active := c.mgr.Session().ActiveEndpointID
	echo := c.log.Append(NewOutgoing(active, text))

	id, err := c.mgr.SendPayload(codec.Encode(text))
	if err != nil {
		c.log.Append(NewSystem(active, notDelivered(echo.Sequence, err)))
		return err
	}
	c.pending[id] = echo.Sequence
	return nil
}

// SendSOS sends the configured emergency text.
func (c *Controller) SendSOS() error {
	c.writeMu.Lock()
	text := c.sosText
	c.writeMu.Unlock()
	return c.SendMessage(text)
}

// SetSOSText replaces the emergency text used by SendSOS.
func (c *Controller) SetSOSText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	c.writeMu.Lock()
	c.sosText = text
	c.writeMu.Unlock()
}

func (c *Controller) Messages() []ChatMessage { return c.log.Snapshot() }

func (c *Controller) Since(seq uint64) []ChatMessage { return c.log.Since(seq) }

func (c *Controller) Subscribe() (<-chan ChatMessage, func()) { return c.log.Subscribe() }

func (c *Controller) Log() *MessageLog { return c.log }

func (c *Controller) Session() nearby.Session { return c.mgr.Session() }

func (c *Controller) Endpoints() []state.Endpoint { return c.mgr.Endpoints() }

func peerName(ev nearby.Event) string {
	if ev.DisplayName != "" {
		return ev.DisplayName
	}
	return ev.EndpointID
}

func notDelivered(seq uint64, err error) string {
	reason := "unknown error"
	switch {
	case errors.Is(err, nearby.ErrNoActivePeer):
		reason = "no peer connected"
	case err != nil:
		reason = err.Error()
	}
	return fmt.Sprintf("Message #%d not delivered: %s", seq, reason)
}
