package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageLog_AppendAssignsSequence(t *testing.T) {
	req := require.New(t)
	l := NewMessageLog()
	l.now = func() time.Time { return time.UnixMilli(42) }

	first := l.Append(NewOutgoing("", "one"))
	second := l.Append(NewIncoming("b", "two"))

	req.Equal(uint64(1), first.Sequence)
	req.Equal(uint64(2), second.Sequence)
	req.Equal(int64(42), second.Timestamp)
	req.NotEmpty(first.ID)
	req.NotEqual(first.ID, second.ID)

	snap := l.Snapshot()
	req.Len(snap, 2)
	req.Equal("one", snap[0].Text)
	req.Equal("two", snap[1].Text)
}

func TestMessageLog_Since(t *testing.T) {
	req := require.New(t)
	l := NewMessageLog()
	for _, text := range []string{"a", "b", "c"} {
		l.Append(NewOutgoing("", text))
	}

	req.Len(l.Since(0), 3)
	tail := l.Since(2)
	req.Len(tail, 1)
	req.Equal("c", tail[0].Text)
	req.Empty(l.Since(3))
	req.Empty(l.Since(99))
}

func TestMessageLog_SubscribePushesAppends(t *testing.T) {
	req := require.New(t)
	l := NewMessageLog()
	ch, cancel := l.Subscribe()

	l.Append(NewSystem("", "Connected to B"))

	got := <-ch
	req.Equal("Connected to B", got.Text)
	req.Equal(System, got.Kind)

	// And cancel closes the channel, twice is harmless
	cancel()
	cancel()
	_, ok := <-ch
	req.False(ok)
}
