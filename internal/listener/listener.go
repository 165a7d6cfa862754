package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/swproxy/internal/logging"
)

// Listener is a network listener the server starts and stops.
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Start binds the address and begins serving
	Start(ctx context.Context) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the bound address, or the configured one before Start
	Addr() string
}

// Manager starts and stops a set of listeners together.
type Manager struct {
	listeners map[string]Listener
	order     []string
	mu        sync.RWMutex
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{listeners: make(map[string]Listener)}
}

// Add registers a listener. IDs must be unique.
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}
	m.listeners[l.ID()] = l
	m.order = append(m.order, l.ID())
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// StartAll starts listeners in the order they were added and stops at the
// first failure.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		l := m.listeners[id]
		logging.Info("Starting listener", zap.String("id", id), zap.String("address", l.Addr()))
		if err := l.Start(ctx); err != nil {
			return fmt.Errorf("listener %s: %w", id, err)
		}
	}
	return nil
}

// StopAll stops every listener concurrently and joins their errors.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(m.listeners))

	for id, l := range m.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("Stopping listener", zap.String("id", id))
			if err := l.Stop(ctx); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", id, err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns listener IDs in registration order
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}
