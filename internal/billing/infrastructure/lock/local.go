package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	billing "water-billing/internal/billing/domain"
)

// LocalLocker leases keys within one process.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
	seq    uint64
}

type localLease struct {
	token     uint64
	expiresAt time.Time
}

// NewLocalLocker constructs an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]localLease), now: time.Now}
}

// Acquire takes key for ttl or fails with billing.ErrRunInProgress.
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.leases[key]; ok && now.Before(lease.expiresAt) {
		return nil, fmt.Errorf("%w: %s", billing.ErrRunInProgress, key)
	}
	l.seq++
	token := l.seq
	l.leases[key] = localLease{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.leases[key]; ok && lease.token == token {
			delete(l.leases, key)
		}
		return nil
	}, nil
}
