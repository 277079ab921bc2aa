// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the query service.
//
// New wires every component from a config.Config: the artifact store,
// the dataset catalog, the classifier, the tools, the pipeline, and the
// HTTP surface. Run serves until its context ends and then shuts down
// gracefully.
//
// # Extension Points
//
// extensions.ServiceOptions lets an embedding program replace:
//   - AuthProvider: bearer token validation
//   - AuditLogger: audit event sink
//   - QuotaPolicy: per-user admission
//
// Fields left nil are derived from configuration.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianQuery/pkg/extensions"
	"github.com/AleutianAI/AleutianQuery/pkg/logging"
	"github.com/AleutianAI/AleutianQuery/services/llm"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/approvals"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/artifacts"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/classifier"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/config"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/coordinator"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/executor"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/routes"
	kv "github.com/AleutianAI/AleutianQuery/services/orchestrator/storage/badger"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/summarizer"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/tools"
	"github.com/AleutianAI/AleutianQuery/services/policy_engine"
	"github.com/AleutianAI/AleutianQuery/services/policy_engine/enforcement"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the query service lifecycle.
//
// # Thread Safety
//
// Safe for concurrent use. Run should be called at most once; Close is
// idempotent.
type Service interface {
	// Run serves HTTP until ctx ends, then shuts down and closes the
	// service. It returns nil on a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the configured gin engine, for tests.
	Router() *gin.Engine

	// Ask runs one query in process, bypassing HTTP.
	Ask(ctx context.Context, in pipeline.Input, sink pipeline.EventSink) error

	// Datasets lists the loaded datasets.
	Datasets() []*tools.Dataset

	// Close stops background work and releases storage.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

// metricsOnce guards the process-wide Prometheus registration.
var metricsOnce sync.Once

// service implements Service.
//
// # Fields
//
//   - cfg: Validated configuration.
//   - opts: Resolved extension options.
//   - log: Owned logger; closed last.
//   - db: Badger store shared by the artifact cache and approvals.
//   - catalog: sqlite dataset catalog.
//   - sweeper, watcher: Background workers; watcher may be nil.
//   - stopBG: Cancels the background context.
type service struct {
	cfg    config.Config
	opts   extensions.ServiceOptions
	log    *logging.Logger
	logger *slog.Logger

	db       *kv.DB
	catalog  *tools.Catalog
	coord    *coordinator.Coordinator
	pipeline *pipeline.Pipeline
	router   *gin.Engine

	sweeper       *artifacts.Sweeper
	watcher       *tools.Watcher
	tracerCleanup func(context.Context)
	stopBG        context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a Service from cfg.
//
// # Description
//
// Components are built leaves first:
//  1. Logging, tracing, and metrics
//  2. Badger store, artifact cache, coordinator, sweeper
//  3. Dataset catalog, content screen, configured datasets, watcher
//  4. LLM client (optional), classifier, tools, executor
//  5. Summarizer, memory, approvals, pipeline
//  6. Extension options and routes
//
// On failure everything built so far is released.
//
// # Inputs
//
//   - cfg: Configuration; it is validated again here.
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any component fails to start.
func New(cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s := &service{cfg: cfg}
	s.log = logging.New(logging.Config{
		Level:   cfg.LogLevel(),
		LogDir:  cfg.Logging.Dir,
		Service: "queryd",
		JSON:    cfg.Logging.JSON,
	})
	s.logger = s.log.Slog()

	bg, cancel := context.WithCancel(context.Background())
	s.stopBG = cancel

	if err := s.init(bg, opts); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Info("query service initialized",
		slog.String("addr", cfg.Server.Addr),
		slog.String("classifier", cfg.Classifier.Mode),
		slog.String("structured_tool", cfg.Executor.StructuredTool),
		slog.String("llm_backend", string(cfg.LLM.Backend)),
		slog.Int("datasets", len(s.catalog.List())),
	)
	return s, nil
}

func (s *service) init(bg context.Context, opts *extensions.ServiceOptions) error {
	cfg := s.cfg

	cleanup, err := observability.InitTracer(bg, observability.TracingConfig{
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: routes.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if cfg.Telemetry.Metrics {
		metricsOnce.Do(func() { observability.InitMetrics() })
	}

	// Artifacts
	dbCfg := kv.InMemoryConfig()
	if cfg.Artifacts.Dir != "" {
		dbCfg = kv.DefaultConfig()
		dbCfg.Path = cfg.Artifacts.Dir
		dbCfg.GCInterval = cfg.Artifacts.GCInterval
	}
	dbCfg.Logger = s.logger.With("component", "badger")
	s.db, err = kv.OpenDB(dbCfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	cache := artifacts.NewBadgerCache(s.db, artifacts.Options{TTL: cfg.Artifacts.TTL, Logger: s.logger})
	s.coord = coordinator.New(cache, coordinator.Config{
		RequestTimeout: cfg.Coordinator.RequestTimeout,
		ReleaseTimeout: cfg.Coordinator.ReleaseTimeout,
		Quota:          cfg.Coordinator.Quota,
	}, s.logger)
	s.sweeper = artifacts.NewSweeper(cache, s.coord, artifacts.SweeperConfig{
		Interval:    cfg.Artifacts.SweepInterval,
		OrphanGrace: cfg.Artifacts.OrphanGrace,
	}, s.logger)
	if err := s.sweeper.Start(bg); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	// Datasets
	s.catalog, err = tools.OpenCatalog(cfg.Datasets.CatalogPath, s.logger)
	if err != nil {
		return err
	}
	if err := s.installScreen(); err != nil {
		return err
	}
	if err := s.loadDatasets(bg); err != nil {
		return err
	}

	// Model
	client, err := llm.New(cfg.LLM, s.logger)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}
	var generate llm.GenerateFunc
	if client != nil {
		generate = llm.AsGenerateFunc(client)
	}

	cls, err := s.newClassifier(generate)
	if err != nil {
		return err
	}

	registry, err := s.newRegistry(generate)
	if err != nil {
		return err
	}
	dispatcher := executor.NewDispatcher(registry, cache, executor.Config{
		CallTimeout:   cfg.Executor.CallTimeout,
		MaxRetries:    cfg.Executor.MaxRetries,
		RetryBackoff:  cfg.Executor.RetryBackoff,
		PreviewRows:   cfg.Executor.PreviewRows,
		MaxDistinct:   cfg.Executor.MaxDistinct,
		RatePerSecond: cfg.Executor.RatePerSecond,
		RateBurst:     cfg.Executor.RateBurst,
	}, s.logger)

	mem := memory.NewInMemoryStore(memory.Config{MaxMessageChars: cfg.Memory.MaxMessageChars})
	approvalStore := approvals.NewStore(s.db, cfg.Approvals, s.logger)

	s.pipeline, err = pipeline.New(pipeline.Deps{
		Memory:      mem,
		Classifier:  cls,
		Coordinator: s.coord,
		Executor:    dispatcher,
		Cache:       cache,
		Summarizer: summarizer.New(summarizer.Config{
			MaxDigestChars:   cfg.Summarizer.MaxDigestChars,
			MaxKeyDimensions: cfg.Summarizer.MaxKeyDimensions,
			MaxValueChars:    cfg.Summarizer.MaxValueChars,
		}),
		Approvals: approvalStore,
	}, pipeline.Config{HistoryWindow: cfg.Classifier.HistoryWindow}, s.logger)
	if err != nil {
		return err
	}

	s.opts = s.resolveOptions(opts)
	s.router = gin.New()
	routes.SetupRoutes(s.router, routes.Handlers{
		Query: handlers.NewQueryHandler(s.pipeline, mem, s.opts, handlers.QueryConfig{
			HistoryLimit:      cfg.Memory.HistoryLimit,
			HeartbeatInterval: cfg.Server.HeartbeatInterval,
			AllowedOrigins:    cfg.Server.AllowedOrigins,
		}, s.logger),
		Datasets:  handlers.NewDatasetHandler(s.catalog, s.opts, cfg.Server.MaxUploadBytes),
		Approvals: handlers.NewApprovalHandler(approvalStore, s.opts),
		Health: handlers.HealthSource{
			InFlight: s.coord.InFlight,
			Datasets: func() int { return len(s.catalog.List()) },
		},
		Metrics: cfg.Telemetry.Metrics,
	}, s.opts, s.logger)
	return nil
}

// installScreen rejects datasets carrying classified content.
func (s *service) installScreen() error {
	sc := s.cfg.Datasets.Screening
	if !sc.Enabled {
		return nil
	}
	engine, err := policy_engine.NewPolicyEngine()
	if err != nil {
		return fmt.Errorf("init policy engine: %w", err)
	}
	minConf := policy_engine.Medium
	if sc.MinConfidence != "" {
		if minConf, err = policy_engine.ParseConfidence(sc.MinConfidence); err != nil {
			return err
		}
	}
	s.catalog.UseScreen(policy_engine.NewScreener(engine, policy_engine.ScreenConfig{
		Block:         sc.Block,
		MinConfidence: minConf,
	}))
	s.logger.Info("dataset screening enabled",
		slog.Any("block", sc.Block),
		slog.String("min_confidence", string(minConf)),
		slog.String("policy_hash", enforcement.PolicyHash()),
	)
	return nil
}

// loadDatasets loads configured specs, then starts the directory watcher.
// A spec that fails to load is fatal; the service would otherwise start
// without data the operator asked for.
func (s *service) loadDatasets(ctx context.Context) error {
	var errs []error
	specs := make(map[string]datatypes.DatasetSpec, len(s.cfg.Datasets.Specs))
	for _, spec := range s.cfg.Datasets.Specs {
		specs[spec.Name] = spec
		if _, err := s.catalog.LoadFile(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("load dataset %s: %w", spec.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if s.cfg.Datasets.WatchDir == "" {
		return nil
	}
	w, err := tools.NewWatcher(s.catalog, s.cfg.Datasets.WatchDir, specs, s.cfg.Datasets.Debounce, s.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

func (s *service) newClassifier(generate llm.GenerateFunc) (classifier.Classifier, error) {
	cc := s.cfg.Classifier
	if cc.Mode != config.ClassifierLLM {
		return classifier.NewRuleClassifier(classifier.Config{HistoryWindow: cc.HistoryWindow}), nil
	}
	lc := classifier.DefaultLLMConfig()
	lc.HistoryWindow = cc.HistoryWindow
	lc.MaxConcurrent = cc.MaxConcurrent
	lc.MaxRetries = cc.MaxRetries
	if cc.Timeout > 0 {
		lc.Timeout = cc.Timeout
	}
	if cc.RetryBackoff > 0 {
		lc.RetryBackoff = cc.RetryBackoff
	}
	c, err := classifier.NewLLMClassifier(classifier.GenerateFunc(generate), lc, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init llm classifier: %w", err)
	}
	return c, nil
}

// newRegistry binds the structured and narrative paths. The narrative
// tool reuses the lookup for its rows whichever structured tool is bound.
func (s *service) newRegistry(generate llm.GenerateFunc) (*executor.Registry, error) {
	lookup := tools.NewLookupTool(s.catalog, s.cfg.Executor.MaxRows)
	var structured executor.Tool = lookup
	if s.cfg.Executor.StructuredTool == config.StructuredSQL {
		structured = tools.NewSQLTool(s.catalog, generate, s.cfg.Executor.MaxRows)
	}
	registry := executor.NewRegistry()
	if err := registry.Register(datatypes.PathStructured, structured); err != nil {
		return nil, err
	}
	if err := registry.Register(datatypes.PathNarrative, tools.NewNarrativeTool(lookup, generate)); err != nil {
		return nil, err
	}
	return registry, nil
}

// resolveOptions fills nil extension fields from configuration.
func (s *service) resolveOptions(opts *extensions.ServiceOptions) extensions.ServiceOptions {
	var out extensions.ServiceOptions
	if opts != nil {
		out = *opts
	}
	if out.AuthProvider == nil && len(s.cfg.Server.APITokens) > 0 {
		out.AuthProvider = extensions.NewStaticTokenProvider(s.cfg.Server.APITokens)
	}
	if out.AuditLogger == nil {
		out.AuditLogger = extensions.NewSlogAuditLogger(s.logger)
	}
	if out.QuotaPolicy == nil && s.cfg.Quota.QueriesPerMinute > 0 {
		out.QuotaPolicy = extensions.NewRateQuotaPolicy(s.cfg.Quota.QueriesPerMinute, s.cfg.Quota.Burst)
	}
	return out.Normalized()
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx ends.
//
// # Description
//
// On cancellation the server stops accepting connections and waits up to
// Server.ShutdownTimeout for in-flight requests, whose own deadlines
// still apply. The service is closed before Run returns.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting query server", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down query server", slog.Int("in_flight", s.coord.InFlight()))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Router returns the gin engine.
func (s *service) Router() *gin.Engine { return s.router }

// Ask runs one query in process.
func (s *service) Ask(ctx context.Context, in pipeline.Input, sink pipeline.EventSink) error {
	return s.pipeline.Ask(ctx, in, sink)
}

// Datasets lists the loaded datasets.
func (s *service) Datasets() []*tools.Dataset { return s.catalog.List() }

// Close releases everything in reverse construction order.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.sweeper != nil {
			s.sweeper.Stop()
		}
		if s.stopBG != nil {
			s.stopBG()
		}
		if s.catalog != nil {
			errs = append(errs, s.catalog.Close())
		}
		if s.db != nil {
			errs = append(errs, s.db.Close())
		}
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
		if s.log != nil {
			errs = append(errs, s.log.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
