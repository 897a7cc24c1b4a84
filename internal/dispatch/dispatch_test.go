package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattkit/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestLoop_RunsTasksInPostOrder(t *testing.T) {
	// GOAL: Verify tasks posted from many goroutines run serially and per-poster in order
	//
	// TEST SCENARIO: 8 posters × 200 tasks → unsynchronised counter → no lost updates, per-poster order kept

	loop := dispatch.NewLoop("test-loop", quietLogger())
	defer loop.Close()

	const posters, perPoster = 8, 200
	counter := 0
	last := make([]int, posters)
	outOfOrder := false

	var wg sync.WaitGroup
	for p := 0; p < posters; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 1; i <= perPoster; i++ {
				i := i
				assert.True(t, loop.Post(func() {
					counter++
					if last[p] != i-1 {
						outOfOrder = true
					}
					last[p] = i
				}))
			}
		}(p)
	}
	wg.Wait()

	done := make(chan int)
	loop.Post(func() { done <- counter })

	select {
	case got := <-done:
		assert.Equal(t, posters*perPoster, got, "every task MUST run exactly once")
		assert.False(t, outOfOrder, "tasks from one poster MUST run in post order")
	case <-time.After(2 * time.Second):
		require.Fail(t, "loop MUST drain")
	}
}

func TestLoop_Close(t *testing.T) {
	loop := dispatch.NewLoop("closing-loop", quietLogger())

	ran := make(chan struct{}, 2)
	loop.Post(func() {
		loop.Close() // closing from inside a task MUST NOT deadlock
		ran <- struct{}{}
	})

	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		require.Fail(t, "loop MUST stop after Close")
	}

	assert.Len(t, ran, 1)
	assert.True(t, loop.Closed())
	assert.False(t, loop.Post(func() { ran <- struct{}{} }), "Post MUST be rejected after Close")
	loop.Close()
}

func TestLoop_RecoversPanics(t *testing.T) {
	loop := dispatch.NewLoop("panic-loop", quietLogger())
	defer loop.Close()

	loop.Post(func() { panic("boom") })

	after := make(chan struct{})
	loop.Post(func() { close(after) })

	select {
	case <-after:
	case <-time.After(time.Second):
		require.Fail(t, "loop MUST survive a panicking task")
	}
}

func TestFuture_CompletesOnce(t *testing.T) {
	f := dispatch.NewFuture[int]()
	assert.False(t, f.IsDone())

	assert.True(t, f.Complete(7, nil))
	assert.False(t, f.Complete(8, errors.New("late")), "second completion MUST be ignored")
	assert.False(t, f.Fail(errors.New("later")))

	v, err := f.Result()
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.True(t, f.IsDone())
}

func TestFuture_Wait(t *testing.T) {
	t.Run("returns outcome", func(t *testing.T) {
		f := dispatch.NewFuture[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.Complete("ok", nil)
		}()

		v, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	})

	t.Run("context timeout leaves future pending", func(t *testing.T) {
		f := dispatch.NewFuture[string]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := f.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, f.IsDone())
		assert.True(t, f.Complete("late", nil), "late completion MUST still be accepted")
	})

	t.Run("helpers", func(t *testing.T) {
		v, err := dispatch.Resolved(3, nil).Wait(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 3, v)

		boom := errors.New("boom")
		_, err = dispatch.Failed[int](boom).Wait(context.Background())
		assert.ErrorIs(t, err, boom)
	})
}

func TestFuture_OnComplete(t *testing.T) {
	f := dispatch.NewFuture[int]()

	var got []int
	f.OnComplete(func(v int, err error) { got = append(got, v) })
	f.Complete(5, nil)
	f.OnComplete(func(v int, err error) { got = append(got, v*10) })

	assert.Equal(t, []int{5, 50}, got, "callbacks MUST run on completion and immediately once done")
}
