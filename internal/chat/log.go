package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const listenerBuffer = 64

// MessageLog is an append-only, ordered store of chat messages. Observers
// are pushed every append; a slow observer drops messages and can catch up
// with Since.
type MessageLog struct {
	mu        sync.RWMutex
	messages  []ChatMessage
	seq       uint64
	listeners []chan ChatMessage
	now       func() time.Time
}

func NewMessageLog() *MessageLog {
	return &MessageLog{
		listeners: make([]chan ChatMessage, 0),
		now:       time.Now,
	}
}

// Append assigns the next sequence number and the timestamp, stores the
// message and notifies observers. The stored copy is returned.
func (l *MessageLog) Append(msg ChatMessage) ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	msg.Sequence = l.seq
	msg.Timestamp = l.now().UnixMilli()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	l.messages = append(l.messages, msg)

	for _, ch := range l.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	return msg
}

// Snapshot returns every message in append order.
func (l *MessageLog) Snapshot() []ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// Since returns the messages with a sequence greater than seq.
func (l *MessageLog) Since(seq uint64) []ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// Sequences are dense and start at 1, so seq is also an index.
	if seq >= uint64(len(l.messages)) {
		return []ChatMessage{}
	}
	out := make([]ChatMessage, len(l.messages)-int(seq))
	copy(out, l.messages[seq:])
	return out
}

func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Subscribe returns a channel that receives every future append, and a
// cancel func that closes it.
func (l *MessageLog) Subscribe() (<-chan ChatMessage, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan ChatMessage, listenerBuffer)
	l.listeners = append(l.listeners, ch)

	var once sync.Once
	return ch, func() { once.Do(func() { l.unsubscribe(ch) }) }
}

func (l *MessageLog) unsubscribe(ch chan ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, listener := range l.listeners {
		if listener == ch {
			close(listener)
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}
