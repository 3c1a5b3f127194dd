package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLoop(t *testing.T) {
	t.Run("blocks and cools down when handling signals", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		signal := make(chan struct{}, 2)
		signal <- struct{}{}

		output := make(chan struct{})
		go RunLoop(ctx, signal, time.Hour, time.Second, func(context.Context) bool {
			output <- struct{}{}
			return true
		})

		start := time.Now()
		<-output
		<-output
		assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*90)
	})

	t.Run("resync", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		output := make(chan struct{})
		go RunLoop(ctx, nil, time.Millisecond, time.Second, func(context.Context) bool {
			select {
			case output <- struct{}{}:
			case <-ctx.Done():
			}
			return true
		})

		<-output
		<-output
	})

	t.Run("retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		output := make(chan struct{})
		go RunLoop(ctx, nil, time.Hour, time.Millisecond*25, func(context.Context) bool {
			select {
			case output <- struct{}{}:
			case <-ctx.Done():
			}
			return false
		})

		<-output

		start := time.Now()
		<-output
		latencyA := time.Since(start)

		start = time.Now()
		<-output

		<-output
		latencyB := time.Since(start)

		assert.Greater(t, latencyB, latencyA)
	})

	t.Run("no retries when maxRetry is zero", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var calls atomic.Int32
		go RunLoop(ctx, nil, time.Hour, 0, func(context.Context) bool {
			calls.Add(1)
			return false
		})

		time.Sleep(time.Millisecond * 200)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("returns after cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		started := make(chan struct{})
		done := make(chan struct{})
		go func() {
			RunLoop(ctx, nil, time.Millisecond, 0, func(context.Context) bool {
				select {
				case started <- struct{}{}:
				default:
				}
				return true
			})
			close(done)
		}()

		<-started
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("RunLoop did not return after cancellation")
		}
	})
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
}

func TestStateContainer(t *testing.T) {
	s := &StateContainer[int]{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan int, 10)
	watch := s.Watch(ctx)
	go func() {
		for range watch {
			ch <- s.Get()
		}
	}()

	assert.Equal(t, 0, s.Get())
	assert.Equal(t, 123, s.Update(func(int) int { return 123 }))
	assert.Equal(t, 123, s.Get())
	assert.Equal(t, 123, <-ch)

	assert.Equal(t, 124, s.Update(func(i int) int { return i + 1 }))
}

func TestStateContainerSharedContext(t *testing.T) {
	s := &StateContainer[int]{}

	ctx, cancel := context.WithCancel(context.Background())
	a := s.Watch(ctx)
	b := s.Watch(ctx)

	s.Update(func(i int) int { return i + 1 })
	<-a
	<-b

	cancel()
	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestKeyedLock(t *testing.T) {
	k := &KeyedLock{}

	unlock, ok := k.TryLock("validator")
	require.True(t, ok)

	_, ok = k.TryLock("validator")
	assert.False(t, ok, "same key must not be acquired twice")

	unlockRunner, ok := k.TryLock("runner")
	require.True(t, ok, "distinct keys are independent")
	unlockRunner()

	unlock()
	unlock() // idempotent

	_, ok = k.TryLock("validator")
	assert.True(t, ok, "released key can be acquired again")
}

func TestKeyedLockContention(t *testing.T) {
	k := &KeyedLock{}

	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := k.TryLock("validator"); ok {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
}
