// Package lifecycle — упорядоченный запуск и остановка подсистем приложения.
// Узлы запускаются по одному в порядке вызова Start и гасятся в обратном порядке:
// то, что поднято позже, зависит от поднятого раньше и должно остановиться первым.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"session-web/internal/infra/logger"
)

// StartFunc поднимает узел. Ошибка означает, что узел не запущен и останавливать его не нужно.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает узел. ctx ограничивает время остановки.
type StopFunc func(ctx context.Context) error

type node struct {
	name string
	stop StopFunc
}

// Manager хранит стек запущенных узлов. Потокобезопасен.
type Manager struct {
	mu      sync.Mutex
	started []node
	names   map[string]struct{}
	stopped bool
}

// New создаёт пустой менеджер.
func New() *Manager {
	return &Manager{names: make(map[string]struct{})}
}

// Start запускает узел name и при успехе запоминает его StopFunc.
// start и stop могут быть nil.
func (m *Manager) Start(ctx context.Context, name string, start StartFunc, stop StopFunc) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: start %q after shutdown", name)
	}
	if _, dup := m.names[name]; dup {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: node %q already started", name)
	}
	m.mu.Unlock()

	logger.Debugf("starting node %s", name)
	if start != nil {
		if err := start(ctx); err != nil {
			logger.Errorf("failed to start node %s: %v", name, err)
			return fmt.Errorf("start %s: %w", name, err)
		}
	}

	m.mu.Lock()
	m.names[name] = struct{}{}
	m.started = append(m.started, node{name: name, stop: stop})
	m.mu.Unlock()

	logger.Debugf("node %s is running", name)
	return nil
}

// Shutdown останавливает узлы в порядке, обратном запуску. Ошибки отдельных
// узлов не прерывают остановку остальных и возвращаются объединённой ошибкой.
// Повторный вызов — no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	order := slices.Clone(m.started)
	m.mu.Unlock()

	var errs error
	for _, n := range slices.Backward(order) {
		if n.stop == nil {
			continue
		}
		logger.Debugf("stopping node %s", n.name)
		if err := n.stop(ctx); err != nil {
			logger.Errorf("node %s stopped with error: %v", n.name, err)
			errs = errors.Join(errs, fmt.Errorf("stop %s: %w", n.name, err))
			continue
		}
		logger.Debugf("node %s stopped", n.name)
	}
	return errs
}

// Names возвращает имена запущенных узлов в порядке запуска.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.started))
	for _, n := range m.started {
		out = append(out, n.name)
	}
	return out
}

// WaitFunc превращает блокирующее ожидание (например, WaitGroup.Wait) в StopFunc,
// которая уважает дедлайн ctx. По дедлайну ожидание продолжается в фоне.
func WaitFunc(wait func()) StopFunc {
	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
