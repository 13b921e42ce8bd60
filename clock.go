package dish

import (
	"sync"
	"sync/atomic"
	"time"
)

// coarseSeconds is a Unix timestamp refreshed twice a second once the first
// session starts.
var (
	coarseSeconds atomic.Int64
	coarseOnce    sync.Once
)

func startCoarseClock() {
	coarseOnce.Do(func() {
		coarseSeconds.Store(time.Now().Unix())
		go func() {
			t := time.NewTicker(500 * time.Millisecond)
			for now := range t.C {
				coarseSeconds.Store(now.Unix())
			}
		}()
	})
}

// deadline keeps a connection's read or write deadline ahead of the clock.
// Short timeouts are re-armed on every refresh; long ones at most every
// third of the timeout, so a busy session does not pay a deadline update per
// frame. Owned by a single loop.
type deadline struct {
	timeout time.Duration
	every   int64 // seconds between updates, 0 = every refresh
	set     func(time.Time) error
	last    int64
}

func newDeadline(timeout time.Duration, set func(time.Time) error) *deadline {
	d := &deadline{timeout: timeout, set: set}
	if timeout >= 3*time.Second {
		d.every = int64(timeout / time.Second / 3)
	}
	return d
}

func (d *deadline) refresh() {
	if d.timeout <= 0 {
		return
	}
	now := coarseSeconds.Load()
	if d.every > 0 && d.last != 0 && now-d.last < d.every {
		return
	}
	d.set(time.Now().Add(d.timeout))
	d.last = now
}
