package taskrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualRunsInPostOrder(t *testing.T) {
	m := NewManual(epoch)

	var got []int
	m.PostTask(func() {
		got = append(got, 1)
		m.PostTask(func() { got = append(got, 3) })
	})
	m.PostTask(func() { got = append(got, 2) })

	assert.Equal(t, 2, m.Pending())
	assert.Equal(t, 3, m.RunUntilIdle())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Zero(t, m.Pending())
}

func TestManualDelayedTasks(t *testing.T) {
	m := NewManual(epoch)

	var got []string
	m.PostDelayedTask(func() { got = append(got, "late") }, 2*time.Second)
	m.PostDelayedTask(func() { got = append(got, "early") }, time.Second)
	m.PostDelayedTask(func() { got = append(got, "now") }, 0)

	m.RunUntilIdle()
	assert.Equal(t, []string{"now"}, got)

	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"now", "early"}, got)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), m.Now())

	m.Advance(time.Second)
	assert.Equal(t, []string{"now", "early", "late"}, got)
}

func TestManualAdvanceSeesClockAtDueTime(t *testing.T) {
	m := NewManual(epoch)

	var at time.Time
	m.PostDelayedTask(func() { at = m.Now() }, 300*time.Millisecond)
	m.Advance(time.Second)

	assert.Equal(t, epoch.Add(300*time.Millisecond), at)
}

func TestManualChainedDelays(t *testing.T) {
	m := NewManual(epoch)

	count := 0
	var tick func()
	tick = func() {
		count++
		m.PostDelayedTask(tick, 100*time.Millisecond)
	}
	m.PostDelayedTask(tick, 100*time.Millisecond)

	m.Advance(time.Second)
	assert.Equal(t, 10, count)
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := NewLoop(zap.NewNop())
	defer l.Stop()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		l.PostTask(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	require.NoError(t, l.Do(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoopSurvivesPanics(t *testing.T) {
	l := NewLoop(zap.NewNop())
	defer l.Stop()

	l.PostTask(func() { panic("boom") })

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopDelayedTask(t *testing.T) {
	l := NewLoop(zap.NewNop())
	defer l.Stop()

	done := make(chan struct{})
	l.PostDelayedTask(func() { close(done) }, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task did not run")
	}
}

func TestLoopDoAfterStop(t *testing.T) {
	l := NewLoop(zap.NewNop())
	l.Stop()
	l.Stop()

	err := l.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLoopDoHonorsContext(t *testing.T) {
	l := NewLoop(zap.NewNop())
	defer l.Stop()

	block := make(chan struct{})
	l.PostTask(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}
