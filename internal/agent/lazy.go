package agent

import (
	"context"
	"io"
	"sync"

	"go-remote-download/internal/models"
)

// DialFunc opens a connected Agent.
type DialFunc func(ctx context.Context) (Agent, error)

// Lazy dials on first use so commands that only touch the local store never
// open a remote session. A failed dial is retried on the next call.
type Lazy struct {
	dial DialFunc
	mu   sync.Mutex
	a    Agent
}

// NewLazy wraps dial.
func NewLazy(dial DialFunc) *Lazy {
	return &Lazy{dial: dial}
}

func (l *Lazy) get(ctx context.Context) (Agent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.a != nil {
		return l.a, nil
	}
	a, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	l.a = a
	return a, nil
}

// List implements Agent.
func (l *Lazy) List(ctx context.Context, remotePath string) ([]models.RemoteItem, error) {
	a, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return a.List(ctx, remotePath)
}

// Copy implements Agent.
func (l *Lazy) Copy(ctx context.Context, remotePath, localDir string) (string, error) {
	a, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	return a.Copy(ctx, remotePath, localDir)
}

// Close closes the dialed agent, if any and if it can be closed.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.a == nil {
		return nil
	}
	var err error
	if c, ok := l.a.(io.Closer); ok {
		err = c.Close()
	}
	l.a = nil
	return err
}
