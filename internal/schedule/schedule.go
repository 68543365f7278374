// Package schedule runs background jobs on simple recurrences: a fixed
// interval or a fixed time of day. Jobs are goroutines with a stop
// channel; Stop discards the job and is safe to call more than once.
package schedule

import (
	"sync"
	"time"
)

// Job is a handle to a scheduled task.
type Job struct {
	stopOnce sync.Once
	stop     chan struct{}
}

// Stop cancels the job. Idempotent; does not wait for a running invocation.
func (j *Job) Stop() {
	if j == nil {
		return
	}
	j.stopOnce.Do(func() { close(j.stop) })
}

// Every runs fn every interval until Stop. The first run happens after one
// interval, not immediately.
func Every(interval time.Duration, fn func()) *Job {
	j := &Job{stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-t.C:
				fn()
			}
		}
	}()
	return j
}

// DailyAt runs fn once per day at hour:min local time until Stop.
func DailyAt(hour, min int, fn func()) *Job {
	j := &Job{stop: make(chan struct{})}
	go func() {
		for {
			timer := time.NewTimer(untilNext(time.Now(), hour, min))
			select {
			case <-j.stop:
				timer.Stop()
				return
			case <-timer.C:
				fn()
			}
		}
	}()
	return j
}

func untilNext(now time.Time, hour, min int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
