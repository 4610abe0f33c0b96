package lifecycle

import "context"

// Component is a long-running part of the server: the adapters watcher,
// the metrics endpoint, the MCP transport, the tracing exporter.
type Component interface {
	// Start brings the component up. It returns once the component is ready;
	// background work must outlive ctx only until Stop is called.
	Start(ctx context.Context) error

	// Stop releases the component within the deadline of ctx. An error is
	// logged but does not keep other components from stopping.
	Stop(ctx context.Context) error

	// Name identifies the component in logs and must be unique per Manager.
	Name() string
}

// Func adapts a pair of functions to a Component. A nil StopFn is a no-op.
type Func struct {
	ComponentName string
	StartFn       func(ctx context.Context) error
	StopFn        func(ctx context.Context) error
}

func (f *Func) Name() string { return f.ComponentName }

func (f *Func) Start(ctx context.Context) error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn(ctx)
}

func (f *Func) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}
