// Package lockx provides short-lived named locks for background jobs so that
// only one process runs a given job at a time.
package lockx

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotAcquired is returned by TryLock when another holder owns the lock.
	ErrNotAcquired = errors.New("lockx: lock not acquired")
	// ErrLockLost is returned by Extend once the lock expired or was re-taken.
	ErrLockLost = errors.New("lockx: lock lost")
)

// Locker hands out named locks with a TTL. A holder that dies without
// unlocking loses the lock once the TTL passes.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	// Extend resets the TTL of a lock that is still held.
	Extend(ctx context.Context, ttl time.Duration) error
	Unlock(ctx context.Context) error
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
	seq  uint64
}

type localEntry struct {
	token     uint64
	expiresAt time.Time
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[name]; ok && now.Before(e.expiresAt) {
		return nil, ErrNotAcquired
	}

	l.seq++
	l.held[name] = localEntry{token: l.seq, expiresAt: now.Add(ttl)}
	return &localLock{owner: l, name: name, token: l.seq}, nil
}

type localLock struct {
	owner *LocalLocker
	name  string
	token uint64
}

func (k *localLock) Extend(_ context.Context, ttl time.Duration) error {
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()

	e, ok := k.owner.held[k.name]
	if !ok || e.token != k.token || !k.owner.now().Before(e.expiresAt) {
		return ErrLockLost
	}
	e.expiresAt = k.owner.now().Add(ttl)
	k.owner.held[k.name] = e
	return nil
}

func (k *localLock) Unlock(context.Context) error {
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()

	// Only release if we still own it; an expired lock may have been re-taken.
	if e, ok := k.owner.held[k.name]; ok && e.token == k.token {
		delete(k.owner.held, k.name)
	}
	return nil
}
