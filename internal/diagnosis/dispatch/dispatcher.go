package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/logging"
)

// TaskExecutor runs one task to completion. Implementations must honor
// ctx cancellation but the dispatcher does not rely on it.
type TaskExecutor interface {
	Execute(ctx context.Context, task types.DeviceTask) types.DeviceResult
}

// Config bounds dispatch concurrency.
type Config struct {
	// Workers is the maximum number of tasks executing at once.
	Workers int
	// TaskTimeout applies to tasks that do not carry their own timeout.
	TaskTimeout time.Duration
	// DeviceRate limits task starts per device per second. Zero disables it.
	DeviceRate float64
	// DeviceBurst is the per-device token bucket size.
	DeviceBurst int
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     8,
		TaskTimeout: 30 * time.Second,
		DeviceBurst: 1,
	}
}

// Dispatcher fans a batch of tasks out to a bounded worker pool and
// collects exactly one result per task.
type Dispatcher struct {
	exec    TaskExecutor
	cfg     Config
	metrics *Metrics
	tracer  trace.Tracer
	logger  *logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records dispatch metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// NewDispatcher creates a dispatcher. Zero config fields take defaults.
func NewDispatcher(exec TaskExecutor, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.DeviceBurst <= 0 {
		cfg.DeviceBurst = def.DeviceBurst
	}
	d := &Dispatcher{
		exec:     exec,
		cfg:      cfg,
		tracer:   otel.Tracer("faultline/dispatch"),
		logger:   logging.GetLogger("diagnosis.dispatch"),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs all tasks and returns results in task order. A task that
// fails, times out or is cancelled still yields a result, so len(result)
// always equals len(tasks). A failing task never cancels its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []types.DeviceTask) []types.DeviceResult {
	ctx, span := d.tracer.Start(ctx, "dispatch.batch",
		trace.WithAttributes(attribute.Int("faultline.task_count", len(tasks))))
	defer span.End()

	results := make([]types.DeviceResult, len(tasks))
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)

	for i, task := range tasks {
		g.Go(func() error {
			results[i] = d.runOne(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("faultline.failed_count", failed))
	d.logger.WithContext(ctx).Debug("Dispatched %d tasks (%d failed)", len(tasks), failed)
	return results
}

func (d *Dispatcher) runOne(ctx context.Context, task types.DeviceTask) types.DeviceResult {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch.task", trace.WithAttributes(
		attribute.String("faultline.device", task.DeviceID),
		attribute.String("faultline.operation", task.Operation),
		attribute.String("faultline.task_kind", string(task.Kind)),
	))
	defer span.End()

	if d.metrics != nil {
		d.metrics.Inflight.Inc()
		defer d.metrics.Inflight.Dec()
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.cfg.TaskTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := d.execute(ctx, tctx, task, timeout)
	res.TaskID = task.TaskID
	res.DeviceID = task.DeviceID
	res.Kind = task.Kind
	res.Layer = task.Layer
	res.Duration = time.Since(start)

	if !res.Success {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	if d.metrics != nil {
		d.metrics.TasksTotal.WithLabelValues(string(task.Kind), outcomeLabel(res.Success, string(res.Error))).Inc()
		d.metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(res.Duration.Seconds())
	}
	return res
}

// execute waits for the device rate limiter and then runs the task,
// abandoning it when tctx expires. The abandoned goroutine's result is
// discarded.
func (d *Dispatcher) execute(parent, tctx context.Context, task types.DeviceTask, timeout time.Duration) types.DeviceResult {
	if lim := d.limiter(task.DeviceID); lim != nil {
		if err := lim.Wait(tctx); err != nil {
			return d.expired(parent, task, timeout, "waiting for device rate limit")
		}
	}

	done := make(chan types.DeviceResult, 1)
	go func() {
		done <- d.exec.Execute(tctx, task)
	}()

	select {
	case r := <-done:
		if !r.Success && r.Error == types.ErrorNone {
			if tctx.Err() != nil {
				return d.expired(parent, task, timeout, "executing")
			}
			r.Error = types.ErrorTool
		}
		return r
	case <-tctx.Done():
		return d.expired(parent, task, timeout, "executing")
	}
}

func (d *Dispatcher) expired(parent context.Context, task types.DeviceTask, timeout time.Duration, phase string) types.DeviceResult {
	if parent.Err() != nil {
		return types.FailedResult(task, types.ErrorCancelled,
			fmt.Errorf("cancelled while %s: %w", phase, parent.Err()), 0)
	}
	d.logger.Warn("Task %s on %s timed out after %s while %s", task.TaskID, task.DeviceID, timeout, phase)
	return types.FailedResult(task, types.ErrorTimeout,
		fmt.Errorf("%w: after %s while %s", types.ErrToolTimeout, timeout, phase), 0)
}

func (d *Dispatcher) limiter(device string) *rate.Limiter {
	if d.cfg.DeviceRate <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[device]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.DeviceRate), d.cfg.DeviceBurst)
		d.limiters[device] = lim
	}
	return lim
}
