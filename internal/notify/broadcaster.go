// Package notify is a small in-process publish/subscribe hub. Listeners get
// a buffered channel; a listener that stops reading loses values instead of
// stalling the publisher.
package notify

import (
	"sync"
	"sync/atomic"
)

const listenerBufferLength = 16

type Broadcaster[V any] struct {
	mu          sync.Mutex
	subscribers []subscriber[V]
	closed      bool
	dropped     atomic.Uint64
}

type subscriber[V any] struct {
	sendCh    chan<- V
	receiveCh <-chan V
}

func NewBroadcaster[V any]() *Broadcaster[V] {
	return &Broadcaster[V]{}
}

// AddListener subscribes and returns the channel values arrive on. The
// channel is closed by RemoveListener or Close.
func (b *Broadcaster[V]) AddListener() <-chan V {
	ch := make(chan V, listenerBufferLength)
	var receiveCh <-chan V = ch
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return receiveCh
	}
	b.subscribers = append(b.subscribers, subscriber[V]{sendCh: ch, receiveCh: receiveCh})
	return receiveCh
}

func (b *Broadcaster[V]) RemoveListener(ch <-chan V) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.receiveCh == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(s.sendCh)
			return
		}
	}
}

func (b *Broadcaster[V]) HasListeners() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers) > 0
}

// Broadcast delivers value to every listener with buffer space left.
func (b *Broadcaster[V]) Broadcast(value V) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers {
		select {
		case s.sendCh <- value:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a listener's
// buffer was full.
func (b *Broadcaster[V]) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster[V]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers {
		close(s.sendCh)
	}
	b.subscribers = nil
	b.closed = true
}
