package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 2, QueueSize: 4, Logger: zap.NewNop()})
	defer p.Stop(time.Second)

	var ran int32
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		ok := p.TrySubmit(Task{ID: "t", Run: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			done <- struct{}{}
			return nil
		}})
		require.True(t, ok)
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&ran))
}

func TestPool_RejectsWhenSaturated(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 0, Logger: zap.NewNop()})
	defer p.Stop(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	require.Eventually(t, func() bool {
		return p.TrySubmit(Task{ID: "blocker", Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		}})
	}, time.Second, 5*time.Millisecond)
	<-started

	assert.False(t, p.TrySubmit(Task{ID: "extra", Run: func(context.Context) error { return nil }}))
	assert.GreaterOrEqual(t, p.Stats().Rejected, uint64(1))
	close(release)
}

func TestPool_StopCancelsAndDrops(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 2, Logger: zap.NewNop()})

	started := make(chan struct{})
	require.True(t, p.TrySubmit(Task{ID: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	var dropped int32
	require.True(t, p.TrySubmit(Task{
		ID:   "queued",
		Run:  func(context.Context) error { return nil },
		Drop: func() { atomic.AddInt32(&dropped, 1) },
	}))

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dropped))
	assert.Equal(t, uint64(1), p.Stats().Failed)
	assert.False(t, p.TrySubmit(Task{ID: "late", Run: func(context.Context) error { return nil }}))
}

func TestPool_RecoversPanics(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 1, QueueSize: 2, Logger: zap.NewNop()})
	require.True(t, p.TrySubmit(Task{ID: "boom", Run: func(context.Context) error { panic("boom") }}))
	require.True(t, p.TrySubmit(Task{ID: "err", Run: func(context.Context) error { return errors.New("x") }}))

	assert.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(time.Second))
}
