// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricRing_SubmitAndDrain(t *testing.T) {
	var mu sync.Mutex
	var drained []MetricEvent

	ring := NewMetricRing(4, func(ev MetricEvent) {
		mu.Lock()
		defer mu.Unlock()
		drained = append(drained, ev)
	}, nil)
	ring.Start()
	defer ring.Stop()

	ok := ring.Submit(MetricEvent{FlowID: 7})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(drained) == 1
	}, time.Second, time.Millisecond)
}

func TestMetricRing_DropsWhenFull(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})

	var dropped int
	var mu sync.Mutex

	var blockOnce sync.Once
	ring := NewMetricRing(1, func(ev MetricEvent) {
		blockOnce.Do(func() { close(blocked) })
		<-release
	}, func() {
		mu.Lock()
		dropped++
		mu.Unlock()
	})
	ring.Start()

	// First event is picked up by the consumer and blocks inside drain.
	require.True(t, ring.Submit(MetricEvent{FlowID: 1}))
	<-blocked

	// Second fills the one-slot buffer; third finds it full and drops.
	require.True(t, ring.Submit(MetricEvent{FlowID: 2}))
	require.False(t, ring.Submit(MetricEvent{FlowID: 3}))

	close(release)
	ring.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, dropped)
}

func TestMetricRing_StopFlushesRemaining(t *testing.T) {
	var mu sync.Mutex
	count := 0

	ring := NewMetricRing(8, func(MetricEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)
	ring.Start()

	for i := 0; i < 5; i++ {
		require.True(t, ring.Submit(MetricEvent{FlowID: uint8(i)}))
	}
	ring.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, count)
}
