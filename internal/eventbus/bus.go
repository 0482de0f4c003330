package eventbus

import (
	"sync"
	"time"
)

// Event is an in-memory signal between the engine, the kv watcher, and the
// notifier pipeline. Payloads are the structs in events.go, keyed by Type.
//
// Contract:
//   - Publish never blocks; a subscriber whose buffer is full loses the event.
//   - Events are advisory. Every consumer must tolerate a dropped one
//     (the engine re-reads state on its next cycle either way).
type Event struct {
	Type Type
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{}
}

type fanout struct {
	mu   sync.RWMutex
	subs []chan Event
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The slice is copy-on-write, so the snapshot stays valid after unlock.
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Buffer full; drop for this subscriber only.
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs = append(append([]chan Event(nil), b.subs...), ch)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			out := make([]chan Event, 0, len(b.subs))
			for _, cur := range b.subs {
				if cur != ch {
					out = append(out, cur)
				}
			}
			b.subs = out
			b.mu.Unlock()
			// The channel is never closed: a Publish racing with unsubscribe
			// may still hold the old snapshot. Consumers exit on their own
			// context, not on channel close.
		})
	}
	return ch, unsub
}
