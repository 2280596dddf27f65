package lock

import (
	"context"
	"sync"
	"time"
)

// Lock is a held lock. Unlock is safe to call more than once.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out named, TTL-bounded locks. TryLock never blocks; ok is
// false when someone else holds key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (l Lock, ok bool, err error)
}

// LocalLocker is an in-process Locker for single-replica deployments.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), nowFn: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if exp, ok := l.held[key]; ok && (ttl <= 0 || now.Before(exp)) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	return &localLock{owner: l, key: key, exp: exp}, true, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	exp   time.Time
	once  sync.Once
}

func (l *localLock) Unlock(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		defer l.owner.mu.Unlock()
		// a lock that expired and was re-acquired belongs to someone else
		if cur, ok := l.owner.held[l.key]; ok && cur.Equal(l.exp) {
			delete(l.owner.held, l.key)
		}
	})
	return nil
}
