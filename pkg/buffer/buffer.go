// Package buffer provides the reorder/delay queue that restores
// chronological order to webhook deliveries.
//
// Events are held for a configured grace period so late deliveries can
// slot into their correct position, then released strictly in creation
// timestamp order (arrival order breaks ties). The queue is unbounded by
// design: the producer is a low-volume webhook source, so backpressure is
// not applied upstream. That is a documented scaling limit, not a silently
// handled one.
package buffer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is how often a head event blocked on entity
// readiness is rechecked.
const DefaultPollInterval = 100 * time.Millisecond

// Event is the minimal view of a change event the buffer needs for
// ordering and readiness gating.
type Event interface {
	// OrderingKey returns the authoritative creation timestamp.
	OrderingKey() time.Time
	// Entity returns the target entity type.
	Entity() string
}

type item[T Event] struct {
	ev         T
	enqueuedAt time.Time
	seq        uint64
}

type itemHeap[T Event] []item[T]

func (h itemHeap[T]) Len() int { return len(h) }

func (h itemHeap[T]) Less(i, j int) bool {
	ti, tj := h[i].ev.OrderingKey(), h[j].ev.OrderingKey()
	if ti.Equal(tj) {
		// Local arrival order makes the total order deterministic for
		// identical upstream timestamps.
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}

func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap[T]) Push(x interface{}) { *h = append(*h, x.(item[T])) }

func (h *itemHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// ReorderBuffer is a delay queue ordered by (creation timestamp, arrival
// sequence). Enqueue never blocks; DequeueReady blocks until the head
// event has aged past the configured delay and its entity is ready.
type ReorderBuffer[T Event] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items itemHeap[T]
	seq   uint64

	delay time.Duration
	poll  time.Duration
	now   func() time.Time
}

// New creates a buffer with the given release delay.
func New[T Event](delay time.Duration) *ReorderBuffer[T] {
	b := &ReorderBuffer[T]{
		delay: delay,
		poll:  DefaultPollInterval,
		now:   time.Now,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Enqueue adds an event. Safe to call concurrently with DequeueReady.
func (b *ReorderBuffer[T]) Enqueue(ev T) {
	b.mu.Lock()
	b.seq++
	heap.Push(&b.items, item[T]{ev: ev, enqueuedAt: b.now(), seq: b.seq})
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Len returns the number of buffered events.
func (b *ReorderBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// DequeueReady blocks until the head event satisfies the release
// condition, then removes and returns it. The head must have spent at
// least the buffer delay in the queue and its entity type must be ready.
// A head failing either check keeps its place: later-timestamped events
// behind it never jump ahead, so readiness blocking stalls the whole
// queue rather than reordering it. The wait is condition-variable based
// with a timer wake-up, not a busy spin.
func (b *ReorderBuffer[T]) DequeueReady(ctx context.Context, ready func(entity string) bool) (T, error) {
	var zero T

	// Wake the condition wait when the context is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.cond.Broadcast()
		case <-done:
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if len(b.items) == 0 {
			b.cond.Wait()
			continue
		}

		head := b.items[0]
		if wait := b.delay - b.now().Sub(head.enqueuedAt); wait > 0 {
			b.waitUpTo(wait)
			continue
		}
		if !ready(head.ev.Entity()) {
			b.waitUpTo(b.poll)
			continue
		}

		return heap.Pop(&b.items).(item[T]).ev, nil
	}
}

// waitUpTo waits on the condition variable with a timer fallback, since
// sync.Cond has no timed wait. The timer covers delay expiry; broadcasts
// from Enqueue or context cancellation wake the wait earlier.
func (b *ReorderBuffer[T]) waitUpTo(d time.Duration) {
	if d > b.poll {
		d = b.poll
	}
	t := time.AfterFunc(d, b.cond.Broadcast)
	b.cond.Wait()
	t.Stop()
}
