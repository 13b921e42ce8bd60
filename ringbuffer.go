package dish

import (
	"sync"

	"github.com/google/uuid"
)

// ringBuffer is a fixed-capacity FIFO. Not safe for concurrent use.
type ringBuffer[T any] struct {
	buf      []T
	readIdx  int
	writeIdx int
	len      int
}

func newRingBuffer[T any](size int) *ringBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &ringBuffer[T]{buf: make([]T, size)}
}

func (r *ringBuffer[T]) Len() int { return r.len }

func (r *ringBuffer[T]) Cap() int { return len(r.buf) }

// Push appends v. When the buffer is full the oldest value is overwritten
// and returned with evicted=true.
func (r *ringBuffer[T]) Push(v T) (old T, evicted bool) {
	if r.len == len(r.buf) {
		old, evicted = r.buf[r.readIdx], true
		r.readIdx = (r.readIdx + 1) % len(r.buf)
		r.len--
	}
	r.buf[r.writeIdx] = v
	r.writeIdx = (r.writeIdx + 1) % len(r.buf)
	r.len++
	return old, evicted
}

// Pop removes and returns the oldest value.
func (r *ringBuffer[T]) Pop() (T, bool) {
	var zero T
	if r.len == 0 {
		return zero, false
	}
	v := r.buf[r.readIdx]
	r.buf[r.readIdx] = zero
	r.readIdx = (r.readIdx + 1) % len(r.buf)
	r.len--
	return v, true
}

// dedupWindow remembers the uuids of the most recent successful deliveries
// and the attempts still in progress. Once size uuids have succeeded, the
// oldest is forgotten for each new one. A nil window never reports
// duplicates.
type dedupWindow struct {
	mu       sync.Mutex
	order    *ringBuffer[uuid.UUID]
	seen     map[uuid.UUID]struct{}
	inflight map[uuid.UUID]*attempt
}

// attempt is one in-progress delivery of a uuid. ok is written before done
// is closed.
type attempt struct {
	done chan struct{}
	ok   bool
}

type claim int

const (
	claimOwner     claim = iota // caller delivers and must call finish
	claimDuplicate              // uuid already delivered
	claimBusy                   // another attempt is running; wait on it
)

func newDedupWindow(size int) *dedupWindow {
	if size <= 0 {
		return nil
	}
	order := newRingBuffer[uuid.UUID](size)
	return &dedupWindow{
		order:    order,
		seen:     make(map[uuid.UUID]struct{}, order.Cap()),
		inflight: make(map[uuid.UUID]*attempt),
	}
}

// claim decides who handles id. With claimOwner the returned attempt must be
// passed to finish; with claimBusy the caller waits on its done channel.
func (w *dedupWindow) claim(id uuid.UUID) (claim, *attempt) {
	if w == nil {
		return claimOwner, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return claimDuplicate, nil
	}
	if a, ok := w.inflight[id]; ok {
		return claimBusy, a
	}
	a := &attempt{done: make(chan struct{})}
	w.inflight[id] = a
	return claimOwner, a
}

// finish ends the owner's attempt. Only a successful attempt enters the
// window, so a failed uuid can be delivered again.
func (w *dedupWindow) finish(id uuid.UUID, a *attempt, ok bool) {
	if w == nil {
		return
	}
	w.mu.Lock()
	delete(w.inflight, id)
	if ok {
		// A uuid is pushed only while absent from seen, so order never
		// holds two copies of it.
		if old, evicted := w.order.Push(id); evicted {
			delete(w.seen, old)
		}
		w.seen[id] = struct{}{}
	}
	w.mu.Unlock()

	a.ok = ok
	close(a.done)
}

// len returns the number of remembered successful uuids.
func (w *dedupWindow) len() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
