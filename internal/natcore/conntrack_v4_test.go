// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package natcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	wire "ridgewatch.dev/natcore/internal/ebpf/types"
	"ridgewatch.dev/natcore/internal/logging"
)

func newTestConntrackV4(clock Clock, sched Scheduler) *ConntrackV4 {
	c := NewConntrackV4(clock, logging.NewDefault(), sched, 5*time.Second)
	c.IdleTimeout = func(*ConntrackEntryV4) time.Duration { return 30 * time.Second }
	c.EmitActive = func(*ConntrackEntryV4) bool { return true }
	c.EmitDelete = func(*ConntrackEntryV4) bool { return true }
	return c
}

func testKeyV4() wire.NatTimerKeyV4 {
	return wire.NatTimerKeyV4{L4Proto: ProtoTCP, ServerAddr: 0x08080808, ServerPort: 443, NatAddr: 0xc0000201, NatPort: 40000}
}

func TestConntrackV4_LookupOrNewCT_CreatesAndArmsTimer(t *testing.T) {
	clock := &fakeClock{now: 1000}
	sched := &fakeScheduler{}
	c := newTestConntrackV4(clock, sched)

	e, status := c.LookupOrNewCT(testKeyV4(), true, Addr4(0x0a000001), 12345, GressEgress, 1, 0)
	require.Equal(t, CTCreated, status)
	require.NotNil(t, e)
	require.Equal(t, 1, c.Count())
	require.Equal(t, 1, sched.PendingCount())
	require.Equal(t, int64(1000), e.CreateTime)
}

func TestConntrackV4_LookupOrNewCT_ExistingReturnsSameEntry(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	c := newTestConntrackV4(clock, sched)

	key := testKeyV4()
	e1, status1 := c.LookupOrNewCT(key, true, Addr4(1), 1, GressEgress, 0, 0)
	require.Equal(t, CTCreated, status1)

	e2, status2 := c.LookupOrNewCT(key, true, Addr4(99), 99, GressIngress, 9, 9)
	require.Equal(t, CTExisting, status2)
	require.Same(t, e1, e2)
}

func TestConntrackV4_LookupOrNewCT_NotFoundWithoutCreate(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	c := newTestConntrackV4(clock, sched)

	e, status := c.LookupOrNewCT(testKeyV4(), false, Addr4(1), 1, GressEgress, 0, 0)
	require.Nil(t, e)
	require.Equal(t, CTNotFound, status)
}

func TestConntrackV4_LookupOrNewCT_TimerArmFailureRollsBack(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	sched.FailNext(1)
	c := newTestConntrackV4(clock, sched)

	e, status := c.LookupOrNewCT(testKeyV4(), true, Addr4(1), 1, GressEgress, 0, 0)
	require.Nil(t, e)
	require.Equal(t, CTError, status)
	require.Equal(t, 0, c.Count(), "failed arm must roll back the insert")
}

func TestConntrackV4_FullReleaseProgression(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	c := newTestConntrackV4(clock, sched)

	var released bool
	c.OnRelease = func(*ConntrackEntryV4) { released = true }

	key := testKeyV4()
	e, status := c.LookupOrNewCT(key, true, Addr4(1), 1, GressEgress, 0, 0)
	require.Equal(t, CTCreated, status)
	require.Equal(t, ReportInit, e.Report.Load())

	sched.FireAll() // INIT -> ACTIVE
	require.Equal(t, ReportActive, e.Report.Load())

	sched.FireAll() // ACTIVE -> TIMEOUT_1
	require.Equal(t, ReportTimeout1, e.Report.Load())

	sched.FireAll() // TIMEOUT_1 -> TIMEOUT_2
	require.Equal(t, ReportTimeout2, e.Report.Load())

	sched.FireAll() // TIMEOUT_2 -> RELEASE
	require.Equal(t, ReportRelease, e.Report.Load())

	sched.FireAll() // RELEASE tick: delete emitted, entry torn down
	require.True(t, released)
	require.Equal(t, 0, c.Count())
}

func TestConntrackV4_ActivePacketDefersRelease(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	c := newTestConntrackV4(clock, sched)

	key := testKeyV4()
	e, _ := c.LookupOrNewCT(key, true, Addr4(1), 1, GressEgress, 0, 0)

	sched.FireAll() // -> ACTIVE
	sched.FireAll() // -> TIMEOUT_1
	sched.FireAll() // -> TIMEOUT_2

	e.Report.MarkActive() // a data packet arrives before the next tick
	sched.FireAll()       // ACTIVE -> TIMEOUT_1 again, not RELEASE
	require.Equal(t, ReportTimeout1, e.Report.Load())
}

func TestConntrackV4_Delete_StopsTimer(t *testing.T) {
	clock := &fakeClock{now: 0}
	sched := &fakeScheduler{}
	c := newTestConntrackV4(clock, sched)

	key := testKeyV4()
	_, _ = c.LookupOrNewCT(key, true, Addr4(1), 1, GressEgress, 0, 0)
	c.Delete(key)
	require.Equal(t, 0, c.Count())
	require.True(t, sched.timers[0].cancelled, "Delete must stop the entry's timer")
}
