package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/petervdpas/nearchat/internal/chat"
	"github.com/petervdpas/nearchat/internal/nearby"
	"github.com/petervdpas/nearchat/internal/transport"
)

const (
	demoSOS   = "SOS: fell on trail, ankle injured"
	demoReply = "Got it. Stay where you are, coming to you."
)

var errDemoTimeout = errors.New("demo: timed out")

// RunDemo plays the emergency scenario between two simulated devices on
// the in-memory medium and prints both logs.
func RunDemo(ctx context.Context, out io.Writer, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	medium := transport.NewMedium()
	newDevice := func(name, sos string) (*nearby.Manager, *chat.Controller) {
		mgr := nearby.New(medium.NewDevice(), nearby.Options{
			DisplayName:    name,
			AutoConnect:    true,
			ConnectTimeout: 2 * time.Second,
		})
		return mgr, chat.NewController(mgr, sos)
	}
	mgrA, rescuer := newDevice("Rescuer", "")
	mgrB, hiker := newDevice("Hiker", demoSOS)
	defer func() { _ = mgrA.Close() }()
	defer func() { _ = mgrB.Close() }()

	for _, c := range []*chat.Controller{rescuer, hiker} {
		if err := c.Start(ctx); err != nil {
			return err
		}
		defer c.Stop()
	}

	connected := func() bool {
		return rescuer.Session().ActiveEndpointID != "" && hiker.Session().ActiveEndpointID != ""
	}
	if err := waitFor(ctx, connected); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := hiker.SendSOS(); err != nil {
		return fmt.Errorf("send sos: %w", err)
	}
	if err := waitFor(ctx, func() bool { return hasIncoming(rescuer, demoSOS) }); err != nil {
		return fmt.Errorf("deliver sos: %w", err)
	}
	if err := rescuer.SendMessage(demoReply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	if err := waitFor(ctx, func() bool { return hasIncoming(hiker, demoReply) }); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}

	for _, d := range []struct {
		name string
		c    *chat.Controller
	}{{"Hiker", hiker}, {"Rescuer", rescuer}} {
		fmt.Fprintf(out, "── %s ──\n", d.name)
		for _, m := range d.c.Messages() {
			fmt.Fprintln(out, formatMessage(m))
		}
		fmt.Fprintln(out)
	}
	return nil
}

func hasIncoming(c *chat.Controller, text string) bool {
	for _, m := range c.Messages() {
		if m.Kind == chat.User && m.Direction == chat.Incoming && m.Text == text {
			return true
		}
	}
	return false
}

func waitFor(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return errDemoTimeout
		case <-t.C:
		}
	}
	return nil
}
