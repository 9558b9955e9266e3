package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a short human-readable progress notice about a schedule run.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//   - Late subscribers never see past events; the bus is a live tap, not a log.
//
// ID is monotonically increasing per process and is what the stream endpoint
// frames each message with.
type Event struct {
	ID      uint64    `json:"id"`
	Time    time.Time `json:"timestamp"`
	Message string    `json:"message"`
}

type Bus interface {
	Publish(message string)
	Publishf(format string, args ...any)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	subSeq atomic.Uint64
	evSeq  atomic.Uint64
}

func (b *memBus) Publish(message string) {
	e := Event{
		ID:      b.evSeq.Add(1),
		Time:    time.Now(),
		Message: message,
	}

	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If the subscriber is slow, drop the oldest
		// buffered event and try once more with the newest.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Publishf(format string, args ...any) {
	b.Publish(fmt.Sprintf(format, args...))
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.subSeq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

// Nop returns a bus that discards every publish. Useful as a default so
// callers never need nil checks.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(string)          {}
func (nopBus) Publishf(string, ...any) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}
