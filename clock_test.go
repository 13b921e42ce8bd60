package dish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type deadlineRecorder struct {
	set []time.Time
}

func (r *deadlineRecorder) record(t time.Time) error {
	r.set = append(r.set, t)
	return nil
}

func TestDeadline_ShortTimeoutRefreshesEveryTime(t *testing.T) {
	startCoarseClock()
	var r deadlineRecorder
	d := newDeadline(time.Second, r.record)

	for i := 0; i < 3; i++ {
		d.refresh()
	}
	assert.Len(t, r.set, 3)
}

func TestDeadline_LongTimeoutIsThrottled(t *testing.T) {
	startCoarseClock()
	var r deadlineRecorder
	d := newDeadline(30*time.Second, r.record)

	before := time.Now()
	for i := 0; i < 100; i++ {
		d.refresh()
	}
	if assert.Len(t, r.set, 1) {
		assert.False(t, r.set[0].Before(before.Add(30*time.Second)))
	}

	// a refresh is due again once a third of the timeout has passed
	d.last -= 10
	d.refresh()
	assert.Len(t, r.set, 2)
}

func TestDeadline_ZeroTimeoutNeverSets(t *testing.T) {
	var r deadlineRecorder
	d := newDeadline(0, r.record)
	d.refresh()
	assert.Empty(t, r.set)
}

func TestCoarseClock_Advances(t *testing.T) {
	startCoarseClock()
	assert.InDelta(t, time.Now().Unix(), coarseSeconds.Load(), 1)
}
