// Package engine wires a Conductor orchestrator and its agents from
// configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/internal/logger"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/harun/conductor/pkg/agent"
	"github.com/harun/conductor/pkg/cache"
	"github.com/harun/conductor/pkg/checkpoint"
	"github.com/harun/conductor/pkg/coretools"
	"github.com/harun/conductor/pkg/history"
	"github.com/harun/conductor/pkg/llm"
	"github.com/harun/conductor/pkg/orchestrator"
	"github.com/harun/conductor/pkg/toolexecutor"
)

const serviceName = "conductor"

// Option customizes engine construction
type Option func(*options)

type options struct {
	builder    ProviderBuilder
	interactor orchestrator.Interactor
	sink       checkpoint.Sink
	tools      []toolexecutor.ToolDefinition
}

// WithProviderBuilder replaces the SDK-backed provider clients.
func WithProviderBuilder(b ProviderBuilder) Option {
	return func(o *options) { o.builder = b }
}

// WithInteractor sets the human in the loop. Defaults to the fallback
// interactor, which denies approvals.
func WithInteractor(in orchestrator.Interactor) Option {
	return func(o *options) { o.interactor = in }
}

// WithCheckpointSink overrides the configured checkpoint sink.
func WithCheckpointSink(s checkpoint.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithTools registers extra tools next to the built-in ones.
func WithTools(defs ...toolexecutor.ToolDefinition) Option {
	return func(o *options) { o.tools = append(o.tools, defs...) }
}

// Engine is an orchestrator with its agents, tools and checkpointing.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger

	providers    map[string]llm.Provider
	tools        *toolexecutor.ToolExecutor
	registry     *orchestrator.Registry
	orchestrator *orchestrator.Orchestrator
	scheduler    *checkpoint.Scheduler
	sink         checkpoint.Sink

	closers   []func(ctx context.Context) error
	closeOnce sync.Once
}

// New builds an engine from cfg. The config is validated first.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{builder: defaultProviderBuilder}
	for _, opt := range opts {
		opt(&o)
	}
	if o.interactor == nil {
		o.interactor = orchestrator.FallbackInteractor{Logger: logger}
	}

	e := &Engine{cfg: cfg, logger: logger}
	if err := e.init(o); err != nil {
		_ = e.Close(context.Background())
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(o options) error {
	cfg := e.cfg
	observability.EnsureRegistered()

	if cfg.Metrics.Tracing {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName: serviceName,
			SampleRatio: cfg.Metrics.SampleRatio,
		}); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			e.closers = append(e.closers, tracing.ShutdownOpenTelemetry)
		}
	}

	auditor := observability.NewAuditor(e.logger.With().Str("component", "audit").Logger())
	if cfg.Logging.AuditFile != "" {
		fileAuditor, err := observability.OpenAuditFile(cfg.Logging.AuditFile)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to open audit file, auditing to the log")
		} else {
			auditor = fileAuditor
		}
	}
	prev := observability.SetAuditor(auditor)
	e.closers = append(e.closers, func(context.Context) error {
		observability.SetAuditor(prev)
		return auditor.Close()
	})

	providers, err := buildProviders(cfg, o.builder, e.logger)
	if err != nil {
		return err
	}
	e.providers = providers

	if err := e.initTools(o); err != nil {
		return err
	}

	if err := e.initAgents(); err != nil {
		return err
	}

	return e.initOrchestrator(o)
}

func (e *Engine) initTools(o options) error {
	e.tools = toolexecutor.New()
	e.tools.SetApprovalManager(toolexecutor.NewApprovalManager(
		orchestrator.ToolApprovalHandler(o.interactor),
		toolexecutor.WithApprovalTimeout(seconds(e.cfg.Tools.ApprovalTimeout)),
	))

	if e.cfg.Tools.Enabled {
		root := e.cfg.Tools.Workspace
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
			root = wd
		}
		if err := coretools.RegisterCoreTools(e.tools, coretools.Options{
			WorkspaceRoot:        root,
			RequireWriteApproval: e.cfg.Tools.RequireWriteApproval,
		}); err != nil {
			return err
		}
	}

	for _, def := range o.tools {
		if err := e.tools.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}

	e.logger.Info().
		Int("tools", e.tools.GetToolCount()).
		Strs("mutating", e.tools.MutatingTools()).
		Msg("Tool executor initialized")
	return nil
}

func (e *Engine) initAgents() error {
	cfg := e.cfg
	counter := history.NewCounter(cfg.History.TokenCounter, cfg.History.Encoding)
	rateLimit := rateLimitStrategy(cfg.RateLimit)

	e.registry = orchestrator.NewRegistry()
	for _, ac := range cfg.Agents {
		pc, _ := cfg.Provider(ac.Provider)
		policy, err := toolPolicy(ac.Tools)
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.Name, err)
		}
		a, err := agent.NewBaseAgent(agent.Config{
			Name:            ac.Name,
			Description:     ac.Description,
			Capabilities:    ac.Capabilities,
			Model:           ac.Model,
			SystemPrompt:    ac.SystemPrompt,
			MaxTokens:       ac.MaxTokens,
			Temperature:     ac.Temperature,
			MaxIterations:   ac.MaxIterations,
			HistoryCapacity: cfg.History.Capacity,
			ReminderStart:   ac.ReminderStart,
			Timeout:         seconds(ac.Timeout),
			ToolTimeout:     seconds(ac.ToolTimeout),
			ToolPolicy:      policy,
			Provider:        e.providers[pc.ID],
			Tools:           e.tools,
			RateLimit:       rateLimit,
			TokenCounter:    counter,
			Logger:          e.logger.With().Str("agent", ac.Name).Logger(),
		})
		if err != nil {
			return fmt.Errorf("agent %s: %w", ac.Name, err)
		}
		if err := e.registry.Register(a); err != nil {
			return err
		}
	}

	e.logger.Info().Int("agents", e.registry.Count()).Msg("Agents registered")
	return nil
}

func (e *Engine) initOrchestrator(o options) error {
	cfg := e.cfg
	oc := cfg.Orchestrator
	pc, _ := cfg.Provider(oc.Provider)

	var routing cache.Cache[string, orchestrator.Decision]
	if cfg.Cache.Routing.Enabled {
		routing = cache.NewLRU[string, orchestrator.Decision](cacheConfig(cfg.Cache.Routing))
	}

	decisions, err := orchestrator.NewDecisionEngine(orchestrator.DecisionEngineConfig{
		Provider:     e.providers[pc.ID],
		Registry:     e.registry,
		Cache:        routing,
		Model:        oc.Model,
		SystemPrompt: oc.SystemPrompt,
		MaxTokens:    oc.MaxTokens,
		Temperature:  oc.Temperature,
		RateLimit:    rateLimitStrategy(cfg.RateLimit),
		Logger:       e.logger,
	})
	if err != nil {
		return fmt.Errorf("decision engine: %w", err)
	}

	delegator, err := orchestrator.NewDelegator(orchestrator.DelegatorConfig{
		Registry:            e.registry,
		Interactor:          o.interactor,
		MaxParallel:         oc.MaxParallel,
		RequirePlanApproval: oc.RequirePlanApproval,
		Logger:              e.logger,
	})
	if err != nil {
		return fmt.Errorf("delegator: %w", err)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(e.logger.With().Str("agent", orchestrator.DefaultName).Logger()),
		orchestrator.WithInteractor(o.interactor),
		orchestrator.WithMaxClarifications(oc.MaxClarifications),
		orchestrator.WithTimeout(seconds(oc.Timeout)),
	}

	if cfg.Checkpoint.Enabled {
		if err := e.initCheckpoints(o); err != nil {
			return err
		}
		orchOpts = append(orchOpts, orchestrator.WithCheckpoints(e.scheduler, seconds(cfg.Checkpoint.Interval)))
	}

	e.orchestrator, err = orchestrator.New(decisions, delegator, orchOpts...)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

func (e *Engine) initCheckpoints(o options) error {
	sink := o.sink
	if sink == nil {
		var err error
		sink, err = e.configuredSink()
		if err != nil {
			return err
		}
	}
	e.sink = sink

	scheduler, err := checkpoint.NewScheduler(checkpoint.Config{
		Sink:     sink,
		Interval: seconds(e.cfg.Checkpoint.Interval),
		Logger:   e.logger.With().Str("component", "checkpoint").Logger(),
	})
	if err != nil {
		return fmt.Errorf("checkpoint scheduler: %w", err)
	}
	scheduler.Start()
	e.scheduler = scheduler
	// Stop the scheduler before closing any sink it writes to.
	e.closers = append([]func(context.Context) error{scheduler.Stop}, e.closers...)
	return nil
}

func (e *Engine) configuredSink() (checkpoint.Sink, error) {
	cc := e.cfg.Checkpoint
	switch cc.Sink {
	case "memory":
		return checkpoint.NewMemorySink(), nil
	case "sqlite":
		path := cc.Path
		if path == "" {
			path = filepath.Join(e.cfg.DataDir, "checkpoints.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
		db, err := checkpoint.NewSQLiteSink(path)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { return db.Close() })
		// Persisted checkpoints are logged as well.
		return checkpoint.Fanout{db, checkpoint.NewLogSink(e.logger)}, nil
	default:
		return checkpoint.NewLogSink(e.logger), nil
	}
}

// Run routes prompt through the orchestrator.
func (e *Engine) Run(ctx context.Context, prompt string) agent.TaskResult {
	return e.RunTask(ctx, agent.NewTask(prompt))
}

// RunTask routes a prepared task through the orchestrator.
func (e *Engine) RunTask(ctx context.Context, task agent.Task) agent.TaskResult {
	ctx = tracing.NewRequestContext(ctx)
	return e.orchestrator.Run(ctx, task)
}

// Agents lists the registered specialist agents.
func (e *Engine) Agents() []agent.Info {
	return e.registry.List()
}

// Tools lists the registered tool names.
func (e *Engine) Tools() []string {
	return e.tools.ListTools()
}

// Orchestrator returns the wired orchestrator.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator {
	return e.orchestrator
}

// Checkpoints returns the active checkpoint sink, nil when disabled.
func (e *Engine) Checkpoints() checkpoint.Sink {
	return e.sink
}

// Abort cancels the in-flight run, if any.
func (e *Engine) Abort() bool {
	return e.orchestrator.Abort()
}

// ApplyConfig applies the settings that can change without a rebuild.
// Currently that is the log level.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	level, err := logger.SetLevel(cfg.Logging.Level)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Ignoring log level from reloaded config")
		return
	}
	e.logger.Info().Str("level", level.String()).Msg("Log level updated")
}

// Close stops checkpointing and releases sinks and exporters.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if err := closer(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// toolPolicy maps an agent's tool section onto a policy. No lists at all
// means every tool is allowed.
func toolPolicy(tc config.ToolPolicyConfig) (*toolexecutor.ToolPolicy, error) {
	allowCats, err := toolexecutor.ParseCategories(tc.AllowCategories)
	if err != nil {
		return nil, err
	}
	denyCats, err := toolexecutor.ParseCategories(tc.DenyCategories)
	if err != nil {
		return nil, err
	}
	if len(tc.Allow) == 0 && len(tc.Deny) == 0 && len(allowCats) == 0 && len(denyCats) == 0 {
		return nil, nil
	}
	allow := tc.Allow
	if len(allow) == 0 && len(allowCats) == 0 {
		allow = []string{"*"}
	}
	return &toolexecutor.ToolPolicy{
		Allow:           allow,
		Deny:            tc.Deny,
		AllowCategories: allowCats,
		DenyCategories:  denyCats,
	}, nil
}
