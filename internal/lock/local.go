package lock

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key inside one process. Keys with no holders are forgotten.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Acquire blocks until key is free or ctx is done. The returned context is cancelled on release; an
// in-process lock is never lost.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.forget(key, s)
		return nil, nil, ctx.Err()
	}

	heldCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	return heldCtx, func() {
		once.Do(func() {
			cancel()
			<-s.ch
			m.forget(key, s)
		})
	}, nil
}

func (m *KeyedMutex) forget(key string, s *slot) {
	m.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
	m.mu.Unlock()
}
