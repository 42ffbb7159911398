// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"sync"

	wire "ridgewatch.dev/natcore/internal/ebpf/types"
)

// MetricEvent is re-exported from the wire package — the
// nat_conn_metric_event the engine submits on every ACTIVE/TIMEOUT_*/
// RELEASE tick (§4.5, §12).
type MetricEvent = wire.NatConnMetricEvent

// MetricRing is a bounded, pure-Go multi-producer/single-consumer ring
// standing in for the original's BPF_MAP_TYPE_RINGBUF. A literal
// cilium/ebpf/ringbuf-backed map can only be written to from a BPF
// program, not userspace Go code, so the ring here is a buffered
// channel: Submit is the non-blocking producer side (many packet-
// handling goroutines call it concurrently), and a single drain
// goroutine is the consumer, matching the original's one-reader
// discipline.
type MetricRing struct {
	ch     chan MetricEvent
	drain  func(MetricEvent)
	onDrop func()

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMetricRing constructs a ring of the given capacity. drain is
// called from the single consumer goroutine for every event that is
// successfully dequeued; onDrop (optional) is called once per Submit
// that found the ring full.
func NewMetricRing(capacity int, drain func(MetricEvent), onDrop func()) *MetricRing {
	return &MetricRing{
		ch:     make(chan MetricEvent, capacity),
		drain:  drain,
		onDrop: onDrop,
	}
}

// Submit attempts to enqueue one event without blocking. It returns
// false on a full ring — the P3 disposition this maps to is "retry the
// RELEASE tick next timer callback invocation" rather than dropping
// the event outright, so callers must not treat false as success.
func (r *MetricRing) Submit(ev MetricEvent) bool {
	select {
	case r.ch <- ev:
		return true
	default:
		if r.onDrop != nil {
			r.onDrop()
		}
		return false
	}
}

// Start launches the single drain goroutine. Calling Start twice is a
// no-op; Stop blocks until the goroutine has exited and drained
// whatever remained in the channel at the time Stop was called.
func (r *MetricRing) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go func() {
		defer close(r.doneCh)
		for {
			select {
			case ev := <-r.ch:
				r.drain(ev)
			case <-r.stopCh:
				for {
					select {
					case ev := <-r.ch:
						r.drain(ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the drain goroutine to flush and exit, and waits for it.
func (r *MetricRing) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	close(r.stopCh)
	<-r.doneCh
}
