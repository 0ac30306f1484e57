package keeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

func newTestPoller(f *execFixture, interval time.Duration, beats *atomic.Int64) *JobPoller {
	return NewJobPoller(f.exec, interval, func() { beats.Add(1) }, f.exec.logger)
}

func TestJobPoller_RunsImmediateTick(t *testing.T) {
	f := newExecFixture()
	var beats atomic.Int64

	p := newTestPoller(f, time.Hour, &beats)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return beats.Load() == 1 },
		time.Second, 5*time.Millisecond, "first cycle runs without waiting for the interval")
	assert.True(t, p.IsRunning())
}

func TestJobPoller_DoubleStartIsNoOp(t *testing.T) {
	f := newExecFixture()
	var beats atomic.Int64

	p := newTestPoller(f, time.Hour, &beats)
	p.Start(context.Background())
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return beats.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), beats.Load(), "a second Start must not spawn a second timer")
}

func TestJobPoller_TicksOnInterval(t *testing.T) {
	f := newExecFixture()
	var beats atomic.Int64

	p := newTestPoller(f, 10*time.Millisecond, &beats)
	p.Start(context.Background())
	defer p.Stop()

	require.Eventually(t, func() bool { return beats.Load() >= 3 },
		time.Second, 5*time.Millisecond, "timer keeps firing after the immediate tick")
}

func TestJobPoller_BatchErrorDoesNotKillTimer(t *testing.T) {
	f := newExecFixture()
	f.store.activeErr = errors.New("db down")
	var beats atomic.Int64

	p := newTestPoller(f, 10*time.Millisecond, &beats)
	p.Start(context.Background())
	defer p.Stop()

	// Let a few failing cycles elapse, then heal the store; the timer must
	// still be alive to observe the recovery.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), beats.Load(), "no heartbeat while cycles fail")

	f.store.mu.Lock()
	f.store.activeErr = nil
	f.store.mu.Unlock()

	require.Eventually(t, func() bool { return beats.Load() >= 1 },
		time.Second, 5*time.Millisecond, "ticks resume once the store recovers")
}

func TestJobPoller_StopWaitsForDrainAndIsIdempotent(t *testing.T) {
	f := newExecFixture()
	f.store.active = append(f.store.active, &domain.Job{
		ID:     "job-1",
		Kind:   domain.KindLimitOrder,
		Status: domain.StatusActive,
	})
	var beats atomic.Int64

	p := newTestPoller(f, 10*time.Millisecond, &beats)
	p.Start(context.Background())

	require.Eventually(t, func() bool { return beats.Load() >= 1 }, time.Second, 5*time.Millisecond)

	p.Stop()
	assert.False(t, p.IsRunning())
	settled := beats.Load()

	p.Stop() // second Stop must not panic or block
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, beats.Load(), "no ticks after Stop returns")
}
