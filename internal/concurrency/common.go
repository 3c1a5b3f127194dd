package concurrency

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"
)

// RunLoop calls fn once immediately, again whenever signal fires, and again every resync interval.
// An attempt that returns false is retried with a capped exponential backoff; a maxRetry of zero disables
// retries so the next attempt waits for the following signal or resync.
//
// RunLoop returns once ctx is done and the attempt in progress (if any) has returned.
// fn is never invoked concurrently with itself.
func RunLoop(ctx context.Context, signal <-chan struct{}, resync, maxRetry time.Duration, fn func(context.Context) bool) {
	ch := make(chan struct{}, 1)
	ch <- struct{}{} // initial sync

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signal:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	if resync > 0 {
		go func() {
			timer := time.NewTimer(Jitter(resync))
			defer timer.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
				select {
				case ch <- struct{}{}:
				default:
				}
				timer.Reset(Jitter(resync))
			}
		}()
	}

	attempt := func() {
		var lastRetry time.Duration
		for {
			if fn(ctx) || maxRetry <= 0 {
				return
			}

			if lastRetry == 0 {
				lastRetry = time.Millisecond * 50
			}
			lastRetry += lastRetry / 8
			if lastRetry > maxRetry {
				lastRetry = maxRetry
			}

			if !Sleep(ctx, Jitter(lastRetry)) {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
		attempt()
		if !Sleep(ctx, Jitter(time.Millisecond*100)) { // cooldown
			return
		}
	}
}

// Sleep waits for d or until ctx is done, reporting whether the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func Jitter(duration time.Duration) time.Duration {
	maxJitter := int64(duration) * int64(5) / 100 // 5% jitter
	if maxJitter <= 0 {
		return duration
	}
	return duration + time.Duration(mathrand.Int63n(maxJitter*2)-maxJitter)
}

type StateContainer[T any] struct {
	lock     sync.Mutex
	current  T
	watchers map[any]chan struct{}
}

func (s *StateContainer[T]) Get() T {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

// Update applies fn to the current value under the lock and notifies watchers.
func (s *StateContainer[T]) Update(fn func(T) T) T {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = fn(s.current)
	s.bumpUnlocked()
	return s.current
}

func (s *StateContainer[T]) bumpUnlocked() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *StateContainer[T]) Watch(ctx context.Context) <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.watchers == nil {
		s.watchers = map[any]chan struct{}{}
	}

	// keyed by a fresh pointer so several watchers may share one ctx
	key := new(byte)
	ch := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()

		s.lock.Lock()
		defer s.lock.Unlock()

		delete(s.watchers, key)
		close(ch)
	}()

	s.watchers[key] = ch
	return ch
}

// KeyedLock serializes work per key without blocking callers: a key is either free or held by exactly one owner.
type KeyedLock struct {
	lock sync.Mutex
	held map[string]struct{}
}

// TryLock acquires key if it is free. The returned function releases it and is safe to call more than once.
func (k *KeyedLock) TryLock(key string) (func(), bool) {
	k.lock.Lock()
	defer k.lock.Unlock()

	if k.held == nil {
		k.held = map[string]struct{}{}
	}
	if _, ok := k.held[key]; ok {
		return nil, false
	}
	k.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			k.lock.Lock()
			defer k.lock.Unlock()
			delete(k.held, key)
		})
	}, true
}
