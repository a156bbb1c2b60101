package worker

import (
	"runtime/metrics"
	"sync"
	"time"
)

const (
	watchdogInterval  = 20 * time.Millisecond
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
)

// watchdog polls the live heap and calls onExceeded once when it grows
// beyond limit
type watchdog struct {
	limit      uint64
	onExceeded func()
	done       chan struct{}
	once       sync.Once
}

func newWatchdog(limit uint64, interval time.Duration, onExceeded func()) *watchdog {
	w := &watchdog{
		limit:      limit,
		onExceeded: onExceeded,
		done:       make(chan struct{}),
	}
	go w.loop(interval)
	return w
}

func (w *watchdog) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sample := []metrics.Sample{{Name: heapObjectsMetric}}
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			metrics.Read(sample)
			if sample[0].Value.Kind() != metrics.KindUint64 {
				continue
			}
			if sample[0].Value.Uint64() > w.limit {
				w.onExceeded()
				return
			}
		}
	}
}

func (w *watchdog) stop() {
	w.once.Do(func() { close(w.done) })
}
