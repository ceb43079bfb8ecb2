package sched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunlevelSetAndGet(t *testing.T) {
	r := NewRunlevel(LevelStart)
	assert.Equal(t, LevelStart, r.Get())

	r.Set(LevelRun)
	assert.Equal(t, LevelRun, r.Get())
}

func TestRunlevelWaitUnblocksOnMatch(t *testing.T) {
	r := NewRunlevel(LevelStart)
	done := make(chan error, 1)
	go func() {
		done <- r.Wait(context.Background(), func(l Level) bool { return l == LevelRun })
	}()

	time.Sleep(10 * time.Millisecond)
	r.Set(LevelRun)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Set")
	}
}

func TestRunlevelWaitRespectsContextCancellation(t *testing.T) {
	r := NewRunlevel(LevelStart)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Wait(ctx, func(l Level) bool { return l == LevelQuit })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskContextFallsBackToBackground(t *testing.T) {
	var task *Task
	assert.Equal(t, context.Background(), task.Context())
}

func TestTaskSameIsIdentity(t *testing.T) {
	t1 := NewTask("a", context.Background())
	t2 := NewTask("a", context.Background())
	assert.True(t, t1.Same(t1))
	assert.False(t, t1.Same(t2))
}

func TestDockWaitUnblocksOnNotify(t *testing.T) {
	d := NewDock()
	ready := false

	done := make(chan error, 1)
	go func() {
		done <- d.Wait(context.Background(), func() bool { return ready })
	}()

	time.Sleep(10 * time.Millisecond)
	ready = true
	d.Notify()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Notify")
	}
}

func TestDockWaitReturnsImmediatelyIfPredTrue(t *testing.T) {
	d := NewDock()
	err := d.Wait(context.Background(), func() bool { return true })
	assert.NoError(t, err)
}

func TestFutureSetIsSingleShot(t *testing.T) {
	f := NewFuture[int]()
	f.Set(1, nil)
	f.Set(2, nil) // second call must be a no-op

	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFutureGetBlocksUntilSet(t *testing.T) {
	f := NewFuture[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Set("done", nil)
	}()

	select {
	case <-f.Done():
		t.Fatal("future reported done before Set")
	case <-time.After(5 * time.Millisecond):
	}

	v, err := f.Get()
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}
