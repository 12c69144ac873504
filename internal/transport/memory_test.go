package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const svc = "chat_service"

func nextEvent(t *testing.T, d *Device) Event {
	t.Helper()
	select {
	case ev := <-d.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event on %s", d.LocalID())
		return Event{}
	}
}

func TestDevice_DiscoveryReportsAdvertisers(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMedium()
	a, b := m.NewDevice(), m.NewDevice()

	// Given A advertises
	req.NoError(a.StartAdvertising(ctx, "UserA", svc))

	// When B discovers
	req.NoError(b.StartDiscovery(ctx, svc))

	// Then B finds A with its display name
	ev := nextEvent(t, b)
	req.Equal(EventEndpointFound, ev.Kind)
	req.Equal(a.LocalID(), ev.EndpointID)
	req.Equal("UserA", ev.Name)

	// And a second start is a no-op
	req.NoError(b.StartDiscovery(ctx, svc))
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDevice_OtherServiceInvisible(t *testing.T) {
	ctx := context.Background()
	m := NewMedium()
	a, b := m.NewDevice(), m.NewDevice()
	require.NoError(t, a.StartAdvertising(ctx, "UserA", "other_service"))
	require.NoError(t, b.StartDiscovery(ctx, svc))

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDevice_ConnectAcceptAndPayload(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMedium()
	a, b := m.NewDevice(), m.NewDevice()
	req.NoError(a.StartAdvertising(ctx, "UserA", svc))
	req.NoError(b.StartDiscovery(ctx, svc))
	nextEvent(t, b)

	// When B requests and A accepts
	req.NoError(b.RequestConnection(ctx, "UserB", a.LocalID()))
	offer := nextEvent(t, a)
	req.Equal(EventConnectionRequested, offer.Kind)
	req.Equal("UserB", offer.Name)
	req.NoError(a.AcceptConnection(b.LocalID()))

	// Then both sides see a successful result
	resB := nextEvent(t, b)
	req.Equal(EventConnectionResult, resB.Kind)
	req.NoError(resB.Err)
	req.Equal("UserA", resB.Name)
	resA := nextEvent(t, a)
	req.Equal(EventConnectionResult, resA.Kind)
	req.NoError(resA.Err)

	// And payloads flow in order with a delivery report
	req.NoError(b.SendPayload(a.LocalID(), 1, []byte("one")))
	req.NoError(b.SendPayload(a.LocalID(), 2, []byte("two")))
	req.Equal("one", string(nextEvent(t, a).Payload))
	req.Equal("two", string(nextEvent(t, a).Payload))
	sent := nextEvent(t, b)
	req.Equal(EventPayloadSent, sent.Kind)
	req.Equal(int64(1), sent.PayloadID)
	req.NoError(sent.Err)
}

func TestDevice_RejectAndNotConnected(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMedium()
	a, b := m.NewDevice(), m.NewDevice()
	req.NoError(a.StartAdvertising(ctx, "UserA", svc))

	req.NoError(b.RequestConnection(ctx, "UserB", a.LocalID()))
	nextEvent(t, a)
	req.NoError(a.RejectConnection(b.LocalID()))

	res := nextEvent(t, b)
	req.ErrorIs(res.Err, ErrConnectionRejected)
	req.ErrorIs(b.SendPayload(a.LocalID(), 1, []byte("x")), ErrNotConnected)
}

func TestDevice_RequestUnknownEndpoint(t *testing.T) {
	m := NewMedium()
	b := m.NewDevice()
	require.NoError(t, b.RequestConnection(context.Background(), "UserB", "nobody"))
	require.ErrorIs(t, nextEvent(t, b).Err, ErrEndpointUnknown)
}

func TestMedium_SeverAndLossy(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMedium()
	a, b := m.NewDevice(), m.NewDevice()
	req.NoError(a.StartAdvertising(ctx, "UserA", svc))
	req.NoError(b.RequestConnection(ctx, "UserB", a.LocalID()))
	nextEvent(t, a)
	req.NoError(a.AcceptConnection(b.LocalID()))
	nextEvent(t, a)
	nextEvent(t, b)

	// Given a lossy medium, sends fail with a report
	m.SetLossy(true)
	req.NoError(b.SendPayload(a.LocalID(), 7, []byte("lost")))
	req.ErrorIs(nextEvent(t, b).Err, ErrPayloadDropped)
	m.SetLossy(false)

	// When the link is severed both sides see a disconnect
	m.Sever(a.LocalID(), b.LocalID())
	req.Equal(EventDisconnected, nextEvent(t, a).Kind)
	req.Equal(EventDisconnected, nextEvent(t, b).Kind)
}

func TestDevice_StartErrorSurfaces(t *testing.T) {
	m := NewMedium()
	d := m.NewDevice()
	d.SetStartError(ErrPermissionDenied)
	require.ErrorIs(t, d.StartAdvertising(context.Background(), "x", svc), ErrPermissionDenied)
	require.ErrorIs(t, d.StartDiscovery(context.Background(), svc), ErrPermissionDenied)
}

func TestDevice_PeerFoundAgainAfterLinkEnds(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMedium()
	a, b := m.NewDevice(), m.NewDevice()
	req.NoError(a.StartAdvertising(ctx, "UserA", svc))
	req.NoError(b.StartAdvertising(ctx, "UserB", svc))
	req.NoError(a.StartDiscovery(ctx, svc))
	req.Equal(EventEndpointFound, nextEvent(t, a).Kind)

	req.NoError(a.RequestConnection(ctx, "UserA", b.LocalID()))
	nextEvent(t, b)
	req.NoError(b.AcceptConnection(a.LocalID()))
	nextEvent(t, a)
	nextEvent(t, b)

	// When the link fades while both stay in range
	m.Sever(a.LocalID(), b.LocalID())

	// Then A sees the disconnect followed by B showing up again
	req.Equal(EventDisconnected, nextEvent(t, a).Kind)
	found := nextEvent(t, a)
	req.Equal(EventEndpointFound, found.Kind)
	req.Equal(b.LocalID(), found.EndpointID)
	req.Equal("UserB", found.Name)

	// And after reconnecting and hanging up, B is reported once more
	req.NoError(a.RequestConnection(ctx, "UserA", b.LocalID()))
	req.Equal(EventDisconnected, nextEvent(t, b).Kind)
	req.Equal(EventConnectionRequested, nextEvent(t, b).Kind)
	req.NoError(b.AcceptConnection(a.LocalID()))
	req.Equal(EventConnectionResult, nextEvent(t, a).Kind)
	a.DisconnectFromEndpoint(b.LocalID())
	again := nextEvent(t, a)
	req.Equal(EventEndpointFound, again.Kind)
	req.Equal(b.LocalID(), again.EndpointID)
}

func TestDevice_CloseIsNotRediscovered(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMedium()
	a, b := m.NewDevice(), m.NewDevice()
	req.NoError(b.StartAdvertising(ctx, "UserB", svc))
	req.NoError(a.StartDiscovery(ctx, svc))
	nextEvent(t, a)
	req.NoError(a.RequestConnection(ctx, "UserA", b.LocalID()))
	nextEvent(t, b)
	req.NoError(b.AcceptConnection(a.LocalID()))
	nextEvent(t, a)

	// When B is switched off
	req.NoError(b.Close())

	// Then A only sees the disconnect
	req.Equal(EventDisconnected, nextEvent(t, a).Kind)
	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDevice_DrainEventsDiscardsBacklog(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMedium()
	a, b := m.NewDevice(), m.NewDevice()
	req.NoError(a.StartAdvertising(ctx, "UserA", svc))
	req.NoError(b.RequestConnection(ctx, "UserB", a.LocalID()))
	nextEvent(t, a)
	req.NoError(a.AcceptConnection(b.LocalID()))
	nextEvent(t, a)

	// Given A has three unread payloads
	for i := int64(1); i <= 3; i++ {
		req.NoError(b.SendPayload(a.LocalID(), i, []byte("stale")))
	}

	// When A drains its events
	req.Equal(3, a.DrainEvents())

	// Then only later events are delivered
	req.NoError(b.SendPayload(a.LocalID(), 4, []byte("fresh")))
	req.Equal("fresh", string(nextEvent(t, a).Payload))
}
