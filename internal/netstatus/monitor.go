// Package netstatus tracks whether the remote store is reachable and
// announces online/offline transitions to subscribers.
package netstatus

import (
	"sync"
	"sync/atomic"
)

// Transition is an online/offline state change.
type Transition string

const (
	BecameOnline  Transition = "became-online"
	BecameOffline Transition = "became-offline"
)

// Monitor holds the current network state. The zero value is not usable;
// create one with NewMonitor.
type Monitor struct {
	online atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Transition)
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{subs: make(map[int]func(Transition))}
	m.online.Store(online)
	return m
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// SetOnline records a new state and notifies subscribers if it changed.
// Subscribers run synchronously on the caller's goroutine, in no particular order.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	t := BecameOffline
	if online {
		t = BecameOnline
	}

	m.mu.Lock()
	handlers := make([]func(Transition), 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(t)
	}
}

// Subscribe registers fn for transition events. The returned function removes it.
func (m *Monitor) Subscribe(fn func(Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
