package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/faultline/internal/logging"
)

const defaultShutdownTimeout = 30 * time.Second

type node struct {
	component Component
	deps      []string
	running   bool
}

// Manager starts components in dependency order and stops them in reverse,
// giving each component its own shutdown deadline.
type Manager struct {
	mu              sync.Mutex
	nodes           map[string]*node
	order           []string // registration order
	started         []string // start order, for rollback and Stop
	shutdownTimeout time.Duration
	logger          *logging.Logger
}

// NewManager creates a manager with a 30 second per-component shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		nodes:           make(map[string]*node),
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// Register adds component, started after every component in dependsOn.
// Dependencies must be registered first, which also rules out cycles.
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	if component == nil {
		return fmt.Errorf("cannot register nil component")
	}
	name := component.Name()
	if name == "" {
		return fmt.Errorf("component must have a non-empty name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[name]; exists {
		return fmt.Errorf("component %s is already registered", name)
	}
	deps := make([]string, 0, len(dependsOn))
	for _, dep := range dependsOn {
		if dep == nil {
			return fmt.Errorf("component %s: nil dependency", name)
		}
		if _, ok := m.nodes[dep.Name()]; !ok {
			return fmt.Errorf("component %s: dependency %s is not registered", name, dep.Name())
		}
		deps = append(deps, dep.Name())
	}

	m.nodes[name] = &node{component: component, deps: deps}
	m.order = append(m.order, name)
	m.logger.Debug("Registered component %s with %d dependencies", name, len(deps))
	return nil
}

// startOrder lists components with dependencies first, otherwise in
// registration order.
func (m *Manager) startOrder() []string {
	visited := make(map[string]bool, len(m.nodes))
	sorted := make([]string, 0, len(m.nodes))
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, dep := range m.nodes[name].deps {
			visit(dep)
		}
		sorted = append(sorted, name)
	}
	for _, name := range m.order {
		visit(name)
	}
	return sorted
}

// Start starts every registered component. If one fails, the components
// already started are stopped in reverse order and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = m.started[:0]
	for _, name := range m.startOrder() {
		n := m.nodes[name]
		m.logger.Info("Starting %s", name)
		start := time.Now()

		if err := n.component.Start(ctx); err != nil {
			m.logger.Error("Failed to start %s: %v", name, err)
			m.stopStarted(context.Background(), 5*time.Second)
			return fmt.Errorf("start %s: %w", name, err)
		}
		n.running = true
		m.started = append(m.started, name)
		m.logger.Info("%s started (took %dms)", name, time.Since(start).Milliseconds())
	}

	m.logger.Info("All components started")
	return nil
}

// Stop stops the started components in reverse start order. Shutdown
// errors are logged, never returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Stopping all components")
	m.stopStarted(ctx, m.shutdownTimeout)
	m.logger.Info("All components stopped")
	return nil
}

func (m *Manager) stopStarted(ctx context.Context, timeout time.Duration) {
	for i := len(m.started) - 1; i >= 0; i-- {
		n := m.nodes[m.started[i]]
		if !n.running {
			continue
		}
		name := n.component.Name()
		m.logger.Info("Stopping %s", name)
		start := time.Now()

		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := n.component.Stop(cctx)
		cancel()
		n.running = false

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			m.logger.Warn("%s exceeded its %dms shutdown timeout", name, timeout.Milliseconds())
		case err != nil:
			m.logger.Error("Error stopping %s: %v", name, err)
		default:
			m.logger.Info("%s stopped (took %dms)", name, time.Since(start).Milliseconds())
		}
	}
	m.started = m.started[:0]
}

// Run starts all components, blocks until ctx is done and stops them again.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.logger.Info("Shutdown requested: %v", context.Cause(ctx))
	return m.Stop(context.WithoutCancel(ctx))
}

// IsRunning reports whether the named component is started.
func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	return ok && n.running
}

// SetShutdownTimeout sets the per-component shutdown deadline.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}
