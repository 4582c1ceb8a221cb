package ha

import (
	"sync"
	"time"
)

// syncWindow tracks database heartbeat syncs: success/failure totals
// since start plus a rolling latency window, so the coordinator
// endpoint can report heartbeat responsiveness.
type syncWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	success int64
	failure int64
}

const syncWindowSize = 100

func newSyncWindow() *syncWindow {
	return &syncWindow{samples: make([]time.Duration, syncWindowSize)}
}

func (w *syncWindow) Observe(d time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.success++
	} else {
		w.failure++
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

type syncStats struct {
	success     int64
	failure     int64
	failureRate float64
	avg         time.Duration
	max         time.Duration
}

func (w *syncWindow) Stats() syncStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := syncStats{success: w.success, failure: w.failure}
	if total := w.success + w.failure; total > 0 {
		st.failureRate = float64(w.failure) / float64(total)
	}

	n := w.next
	if w.full {
		n = len(w.samples)
	}
	for i := 0; i < n; i++ {
		s := w.samples[i]
		st.avg += s
		if s > st.max {
			st.max = s
		}
	}
	if n > 0 {
		st.avg /= time.Duration(n)
	}
	return st
}
