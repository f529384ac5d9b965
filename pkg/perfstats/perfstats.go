package perfstats

import (
	"sync"
	"time"
)

// TimeAccumulator measures how long something takes, on average.
// It is safe to use from multiple goroutines.
type TimeAccumulator struct {
	lock    sync.Mutex
	samples int64
	total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.lock.Lock()
	a.samples = 0
	a.total = 0
	a.lock.Unlock()
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.lock.Lock()
	a.samples++
	a.total += v
	a.lock.Unlock()
}

// Time adds the time since start as a sample. Use it as 'defer acc.Time(time.Now())'
func (a *TimeAccumulator) Time(start time.Time) {
	a.AddSample(time.Since(start))
}

func (a *TimeAccumulator) Samples() int64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.samples
}

func (a *TimeAccumulator) Total() time.Duration {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.total
}

func (a *TimeAccumulator) Average() time.Duration {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.samples == 0 {
		return 0
	}
	return time.Duration(a.total.Nanoseconds() / a.samples)
}
