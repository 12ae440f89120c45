package flow

import (
	"context"
	"fmt"
	"sync"
)

// Locker serializes turns of the same session. Lock blocks until the lock is held or ctx
// ends; the returned function releases it and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. It only serializes turns handled by this process.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock implements Locker.
func (k *KeyedMutex) Lock(ctx context.Context, sessionID string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[sessionID]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[sessionID] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				k.release(sessionID, l)
			})
		}, nil
	case <-ctx.Done():
		k.release(sessionID, l)
		return nil, fmt.Errorf("%w: %s: %w", ErrLockTimeout, sessionID, ctx.Err())
	}
}

func (k *KeyedMutex) release(sessionID string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, sessionID)
	}
}

// held returns the number of keys currently tracked; used by tests.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
