// Package engine assembles the diagnosis pipeline from configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/moolen/faultline/internal/adapters"
	"github.com/moolen/faultline/internal/audit"
	"github.com/moolen/faultline/internal/config"
	"github.com/moolen/faultline/internal/diagnosis/approval"
	"github.com/moolen/faultline/internal/diagnosis/confidence"
	"github.com/moolen/faultline/internal/diagnosis/dispatch"
	"github.com/moolen/faultline/internal/diagnosis/supervisor"
	"github.com/moolen/faultline/internal/diagnosis/types"
	"github.com/moolen/faultline/internal/knowledge"
	"github.com/moolen/faultline/internal/logging"
	"github.com/moolen/faultline/internal/planner"
)

// Options carries what the configuration file cannot express.
type Options struct {
	// Channel presents change plans. Nil defers every plan, so runs with
	// writes suspend until decided out of band.
	Channel approval.Channel

	// Registerer receives all metrics. Nil uses a private registry.
	Registerer prometheus.Registerer

	// Adapters overrides loading cfg.AdaptersPath.
	Adapters *config.AdaptersFile

	// Planner overrides the configured planner.
	Planner supervisor.Planner
}

// Engine owns the long-lived pieces of the pipeline.
type Engine struct {
	cfg        *config.Config
	store      approval.Store
	gate       *approval.Gate
	executor   *dispatch.Executor
	dispatcher *dispatch.Dispatcher
	library    *knowledge.Library
	retriever  *knowledge.CachedRetriever
	audit      *audit.Logger
	supervisor *supervisor.Supervisor
	logger     *logging.Logger

	closeOnce sync.Once
}

// New builds an engine. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e := &Engine{cfg: cfg, logger: logging.GetLogger("engine")}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	// Approval gate
	e.store, err = approval.OpenStore(ctx, approval.StoreConfig{
		Kind:          cfg.Approval.Store,
		Path:          cfg.Approval.Path,
		RedisAddr:     cfg.Approval.RedisAddr,
		RedisDB:       cfg.Approval.RedisDB,
		RedisPassword: cfg.Approval.RedisPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	channel := opts.Channel
	if channel == nil {
		channel = approval.DeferredChannel{}
	}
	e.gate = approval.NewGate(e.store, channel, approval.WithGateMetrics(approval.NewMetrics(reg)))

	// Adapters and dispatch
	file := opts.Adapters
	if file == nil && cfg.AdaptersPath != "" {
		file, err = config.LoadAdaptersFile(cfg.AdaptersPath)
		if err != nil {
			return nil, err
		}
	}
	e.executor = dispatch.NewExecutor()
	if file != nil {
		if err = e.ApplyAdapters(file); err != nil {
			return nil, err
		}
	} else {
		e.logger.Warn("No adapters configured; every device task will fail as unavailable")
	}
	e.dispatcher = dispatch.NewDispatcher(e.executor, dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		TaskTimeout: cfg.Dispatch.TaskTimeout,
		DeviceRate:  cfg.Dispatch.DeviceRate,
		DeviceBurst: cfg.Dispatch.DeviceBurst,
	}, dispatch.WithMetrics(dispatch.NewMetrics(reg)))

	// Knowledge
	e.library, err = knowledge.OpenLibrary(cfg.Knowledge.LibraryPath)
	if err != nil {
		return nil, fmt.Errorf("open case library: %w", err)
	}
	e.retriever = knowledge.NewCachedRetriever(e.library, knowledge.CacheConfig{
		Size: cfg.Knowledge.CacheSize,
		TTL:  cfg.Knowledge.CacheTTL,
	})

	plan := opts.Planner
	if plan == nil {
		plan, err = newPlanner(cfg.Planner)
		if err != nil {
			return nil, err
		}
	}

	if cfg.AuditPath != "" {
		e.audit, err = audit.NewLogger(cfg.AuditPath)
		if err != nil {
			return nil, err
		}
	}

	e.supervisor, err = supervisor.New(SupervisorConfig(cfg), supervisor.Deps{
		Planner:    plan,
		Dispatcher: e.dispatcher,
		Gate:       e.gate,
		Retriever:  e.retriever,
		Audit:      e.audit,
		Metrics:    supervisor.NewMetrics(reg),
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoWithFields("Engine ready",
		logging.Field("approval_store", cfg.Approval.Store),
		logging.Field("planner", cfg.Planner.Kind),
		logging.Field("workers", cfg.Dispatch.Workers))
	return e, nil
}

func newPlanner(cfg config.PlannerConfig) (supervisor.Planner, error) {
	pb := planner.DefaultPlaybook()
	if cfg.PlaybookPath != "" {
		loaded, err := planner.LoadPlaybook(cfg.PlaybookPath)
		if err != nil {
			return nil, err
		}
		pb = loaded
	}
	switch cfg.Kind {
	case "", "playbook":
		return planner.NewPlaybookPlanner(pb), nil
	case "anthropic":
		return planner.NewAnthropicPlanner(planner.AnthropicConfig{
			Model:      cfg.Model,
			MaxTokens:  cfg.MaxTokens,
			Operations: pb.Operations(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown planner kind %q", cfg.Kind)
	}
}

// SupervisorConfig converts the investigation settings of cfg.
func SupervisorConfig(cfg *config.Config) supervisor.Config {
	layers := make([]types.Layer, 0, len(cfg.Investigation.RequiredLayers))
	for _, l := range cfg.Investigation.RequiredLayers {
		layers = append(layers, types.Layer(l))
	}
	return supervisor.Config{
		MaxRounds:      cfg.Investigation.MaxRounds,
		Threshold:      cfg.Investigation.ConfidenceThreshold,
		RequiredLayers: layers,
		OnReject:       supervisor.RejectPolicy(cfg.Investigation.OnReject),
		CaseSimilarity: cfg.Investigation.CaseSimilarity,
		TopK:           cfg.Knowledge.TopK,
		EventWindow:    cfg.Knowledge.EventWindow,
		Decay: confidence.DecayPolicy{
			RealtimeBase:      cfg.Confidence.RealtimeBase,
			HistoricalBase:    cfg.Confidence.HistoricalBase,
			Floor:             cfg.Confidence.Floor,
			DecayTimeConstant: cfg.Confidence.DecayTimeConstant,
		},
	}
}

// ApplyAdapters rebuilds the adapter set from file and swaps it into the
// executor. A file that fails to build leaves the current set in place.
func (e *Engine) ApplyAdapters(file *config.AdaptersFile) error {
	set, err := adapters.Build(file)
	if err != nil {
		return err
	}
	e.executor.Replace(set.Adapters...)
	e.executor.SetPolicy(set.Policy)
	e.logger.Info("Applied %d adapters and %d selection rules", len(set.Adapters), len(set.Policy.Rules))
	return nil
}

// NewAdaptersWatcher watches cfg.AdaptersPath and applies every valid change.
func (e *Engine) NewAdaptersWatcher() (*config.AdaptersWatcher, error) {
	if e.cfg.AdaptersPath == "" {
		return nil, errors.New("adapters_path is not configured")
	}
	return config.NewAdaptersWatcher(config.AdaptersWatcherConfig{FilePath: e.cfg.AdaptersPath}, e.ApplyAdapters)
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Supervisor returns the investigation supervisor.
func (e *Engine) Supervisor() *supervisor.Supervisor { return e.supervisor }

// Gate returns the approval gate.
func (e *Engine) Gate() *approval.Gate { return e.gate }

// Executor returns the device executor.
func (e *Engine) Executor() *dispatch.Executor { return e.executor }

// Library returns the case library.
func (e *Engine) Library() *knowledge.Library { return e.library }

// Close releases the approval store and the audit log.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		if e.store != nil {
			errs = append(errs, e.store.Close())
		}
		errs = append(errs, e.audit.Close())
	})
	return errors.Join(errs...)
}
