// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRealScheduler_FiresAfterDuration(t *testing.T) {
	s := NewRealScheduler()
	fired := make(chan struct{})

	timer, err := s.Schedule(10*time.Millisecond, func() { close(fired) })
	require.NoError(t, err)
	require.NotNil(t, timer)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestRealScheduler_StopCancelsPendingFire(t *testing.T) {
	s := NewRealScheduler()
	fired := false

	timer, err := s.Schedule(50*time.Millisecond, func() { fired = true })
	require.NoError(t, err)
	require.True(t, timer.Stop())

	time.Sleep(100 * time.Millisecond)
	require.False(t, fired)
}
