package nearby

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/nearchat/internal/state"
	"github.com/petervdpas/nearchat/internal/transport"

	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, medium *transport.Medium, name string, autoConnect bool) (*Manager, *transport.Device) {
	t.Helper()
	dev := medium.NewDevice()
	m := New(dev, Options{DisplayName: name, AutoConnect: autoConnect})
	t.Cleanup(func() { _ = m.Close() })
	return m, dev
}

// waitEvent skips events until one of kind arrives.
func waitEvent(t *testing.T, m *Manager, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func connectPair(t *testing.T, medium *transport.Medium) (a, b *Manager) {
	t.Helper()
	ctx := context.Background()
	a, _ = newManager(t, medium, "UserA", true)
	b, _ = newManager(t, medium, "UserB", false)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	waitEvent(t, a, ConnectionEstablished)
	waitEvent(t, b, ConnectionEstablished)
	return a, b
}

func TestManager_ConnectAndExchangePayload(t *testing.T) {
	req := require.New(t)
	medium := transport.NewMedium()
	a, b := connectPair(t, medium)

	// Then both sessions point at each other
	req.Equal(AdvertisingAndDiscovering, a.Session().Mode)
	req.Equal(b.LocalID(), a.Session().ActiveEndpointID)
	req.Equal(a.LocalID(), b.Session().ActiveEndpointID)

	// When B sends a payload
	id, err := b.SendPayload([]byte("hello"))
	req.NoError(err)

	// Then A receives it and B gets a delivery report
	got := waitEvent(t, a, PayloadReceived)
	req.Equal("hello", string(got.Payload))
	req.Equal(b.LocalID(), got.EndpointID)
	delivered := waitEvent(t, b, PayloadDelivered)
	req.Equal(id, delivered.PayloadID)
}

func TestManager_CrossedRequestsYieldOneSession(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	medium := transport.NewMedium()
	a, _ := newManager(t, medium, "UserA", true)
	b, _ := newManager(t, medium, "UserB", true)

	// Given both sides auto-connect and find each other
	req.NoError(a.Start(ctx))
	req.NoError(b.Start(ctx))

	// Then each side establishes exactly one session
	waitEvent(t, a, ConnectionEstablished)
	waitEvent(t, b, ConnectionEstablished)
	req.Eventually(func() bool {
		return a.Session().ActiveEndpointID == b.LocalID() && b.Session().ActiveEndpointID == a.LocalID()
	}, time.Second, 5*time.Millisecond)
	req.Len(lookupState(a, state.Connected), 1)
	req.Len(lookupState(b, state.Connected), 1)
}

func TestManager_SendWithoutPeer(t *testing.T) {
	req := require.New(t)
	m, _ := newManager(t, transport.NewMedium(), "Lonely", true)

	_, err := m.SendPayload([]byte("anyone?"))
	req.ErrorIs(err, ErrNoActivePeer)

	req.NoError(m.Start(context.Background()))
	_, err = m.SendPayload([]byte("anyone?"))
	req.ErrorIs(err, ErrNoActivePeer)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	req := require.New(t)
	medium := transport.NewMedium()
	a, b := connectPair(t, medium)

	// When A stops twice
	a.Stop()
	a.Stop()

	// Then A is idle with no endpoints and reported the lost session
	req.Equal(Session{Mode: Idle}, a.Session())
	req.Empty(a.Endpoints())
	ev := waitEvent(t, a, Disconnected)
	req.Equal(b.LocalID(), ev.EndpointID)
	waitEvent(t, a, Stopped)

	// And B saw the disconnect
	waitEvent(t, b, Disconnected)
	req.Empty(b.Session().ActiveEndpointID)

	// And A can start again
	req.NoError(a.Start(context.Background()))
	req.Equal(AdvertisingAndDiscovering, a.Session().Mode)
}

func TestManager_StartPermissionError(t *testing.T) {
	req := require.New(t)
	m, dev := newManager(t, transport.NewMedium(), "UserA", true)
	dev.SetStartError(transport.ErrPermissionDenied)

	err := m.Start(context.Background())

	req.ErrorIs(err, transport.ErrPermissionDenied)
	req.Equal(Idle, m.Session().Mode)
}

func TestManager_SecondPeerRejected(t *testing.T) {
	req := require.New(t)
	medium := transport.NewMedium()
	a, b := connectPair(t, medium)

	// When a third device shows up and asks both
	c, _ := newManager(t, medium, "UserC", true)
	req.NoError(c.Start(context.Background()))

	// Then every attempt fails and the pair stays intact
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, c, ConnectionFailed)
		req.ErrorIs(ev.Err, transport.ErrConnectionRejected)
	}
	req.Empty(c.Session().ActiveEndpointID)
	req.Len(lookupState(c, state.Discovered), 2)
	req.Equal(b.LocalID(), a.Session().ActiveEndpointID)
	req.Equal(a.LocalID(), b.Session().ActiveEndpointID)
}

func TestManager_ReconnectsToDifferentEndpoint(t *testing.T) {
	req := require.New(t)
	medium := transport.NewMedium()
	a, b := connectPair(t, medium)

	c, _ := newManager(t, medium, "UserC", true)
	req.NoError(c.Start(context.Background()))
	waitEvent(t, c, ConnectionFailed)
	waitEvent(t, c, ConnectionFailed)

	// When B is switched off
	require.NoError(t, b.Close())

	// Then A reports the loss and connects to C
	lost := waitEvent(t, a, Disconnected)
	req.Equal(b.LocalID(), lost.EndpointID)
	ev := waitEvent(t, a, ConnectionEstablished)
	req.Equal(c.LocalID(), ev.EndpointID)
	req.Equal("UserC", ev.DisplayName)
	req.Equal(c.LocalID(), a.Session().ActiveEndpointID)

	_, ok := a.Registry().Get(b.LocalID())
	req.False(ok)
}

func TestManager_ConnectTimeout(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	medium := transport.NewMedium()

	// Given a peer that advertises but never answers
	silent := medium.NewDevice()
	req.NoError(silent.StartAdvertising(ctx, "Silent", "chat_service"))

	dev := medium.NewDevice()
	m := New(dev, Options{DisplayName: "UserA", AutoConnect: true, ConnectTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = m.Close() })
	req.NoError(m.Start(ctx))

	// Then the request expires and the endpoint is Discovered again
	ev := waitEvent(t, m, ConnectionFailed)
	req.ErrorIs(ev.Err, transport.ErrConnectionTimedOut)
	ep, ok := m.Registry().Get(silent.LocalID())
	req.True(ok)
	req.Equal(state.Discovered, ep.State)
}

func TestManager_ManualConnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	medium := transport.NewMedium()
	a, _ := newManager(t, medium, "UserA", false)
	b, _ := newManager(t, medium, "UserB", false)

	req.ErrorIs(a.RequestConnection("nobody"), ErrIdle)

	req.NoError(a.Start(ctx))
	req.NoError(b.Start(ctx))
	found := waitEvent(t, a, EndpointFound)
	req.Equal("UserB", found.DisplayName)

	// When A connects explicitly and later hangs up
	req.NoError(a.RequestConnection(found.EndpointID))
	waitEvent(t, a, ConnectionEstablished)
	offer := waitEvent(t, b, ConnectionRequested)
	req.True(offer.Incoming)
	waitEvent(t, b, ConnectionEstablished)

	req.NoError(a.Disconnect())
	waitEvent(t, a, Disconnected)
	waitEvent(t, b, Disconnected)
	req.ErrorIs(a.Disconnect(), ErrNoActivePeer)

	// Then B is still in range and can be called again
	again := waitEvent(t, a, EndpointFound)
	req.Equal(found.EndpointID, again.EndpointID)
	req.NoError(a.RequestConnection(again.EndpointID))
	ev := waitEvent(t, a, ConnectionEstablished)
	req.Equal("UserB", ev.DisplayName)
	waitEvent(t, b, ConnectionEstablished)
	req.Equal(a.LocalID(), b.Session().ActiveEndpointID)
}

func TestManager_RediscoversSamePeerAfterDrop(t *testing.T) {
	req := require.New(t)
	medium := transport.NewMedium()
	a, b := connectPair(t, medium)

	// When the link fades but both devices stay in range
	medium.Sever(a.LocalID(), b.LocalID())

	// Then A reports the loss, finds B again and reconnects on its own
	lost := waitEvent(t, a, Disconnected)
	req.Equal(b.LocalID(), lost.EndpointID)
	ev := waitEvent(t, a, ConnectionEstablished)
	req.Equal(b.LocalID(), ev.EndpointID)
	req.Eventually(func() bool {
		return a.Session().ActiveEndpointID == b.LocalID() && b.Session().ActiveEndpointID == a.LocalID()
	}, time.Second, 5*time.Millisecond)
	req.Len(lookupState(a, state.Connected), 1)
}

func TestManager_RenameReadvertises(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	medium := transport.NewMedium()
	a, _ := newManager(t, medium, "UserA", false)
	b, _ := newManager(t, medium, "UserB", false)
	req.NoError(a.Start(ctx))
	req.NoError(b.Start(ctx))
	waitEvent(t, b, EndpointFound)

	req.NoError(a.SetDisplayName("Ranger"))

	waitEvent(t, b, EndpointLost)
	ev := waitEvent(t, b, EndpointFound)
	req.Equal("Ranger", ev.DisplayName)
}

// No matter how many devices race for sessions, no manager ever holds more
// than one Connected endpoint.
func TestManager_SingleConnectedUnderChurn(t *testing.T) {
	ctx := context.Background()
	medium := transport.NewMedium()
	managers := make([]*Manager, 5)
	for i := range managers {
		managers[i], _ = newManager(t, medium, "", true)
		require.NoError(t, managers[i].Start(ctx))
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, m := range managers {
			connected := lookupState(m, state.Connected)
			require.LessOrEqual(t, len(connected), 1)
			if len(connected) == 1 {
				if active := m.Session().ActiveEndpointID; active != "" {
					require.Equal(t, connected[0].ID, active)
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func lookupState(m *Manager, s state.EndpointState) []state.Endpoint {
	return m.Registry().InState(s)
}
