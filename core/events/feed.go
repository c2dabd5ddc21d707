package events

import (
	"context"
	"sync"
)

const defaultFeedBuffer = 32

// Feed is an in-process Emitter that delivers events to live subscribers.
// Delivery is best effort: a subscriber whose buffer is full misses the event
// and is expected to catch up from durable state.
type Feed struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	buffer int
}

// NewFeed constructs a feed whose subscriber channels hold buffer events.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &Feed{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Emit implements the Emitter interface.
func (f *Feed) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function is idempotent
// and is also invoked when ctx is done.
func (f *Feed) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, f.buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			f.mu.Lock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
			f.mu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}
	return ch, cancel
}

// Subscribers reports the number of live subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
