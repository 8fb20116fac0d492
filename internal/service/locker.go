package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// localLocker serializes runs inside one process. It backs the saga when no shared lock
// is configured. Held locks never expire.
type localLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newLocalLocker() *localLocker {
	return &localLocker{held: make(map[string]string)}
}

func (l *localLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	return token, true, nil
}

func (l *localLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}
