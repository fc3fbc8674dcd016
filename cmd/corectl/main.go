// corectl is the minimal wiring entrypoint for the ingestion core: it
// loads configuration, opens the Postgres-backed stores, and starts
// the file watcher, subband grouper, scheduler, and worker pool
// against one shared event bus. Kept deliberately small — flags via
// stdlib flag, not a CLI framework — since the module's Non-goals
// exclude a full CLI/operator product surface (spec §12). Grounded on
// the teacher's cmd/task-orchestrator/main.go (flag parsing, logger
// construction, dependency wiring, fatal-on-init-error shape).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dsa110/ingestcore/internal/app/eventbus"
	"github.com/dsa110/ingestcore/internal/app/executor"
	"github.com/dsa110/ingestcore/internal/app/filewatcher"
	"github.com/dsa110/ingestcore/internal/app/grouper"
	"github.com/dsa110/ingestcore/internal/app/lifecycle"
	"github.com/dsa110/ingestcore/internal/app/pipeline"
	"github.com/dsa110/ingestcore/internal/app/resourceguard"
	"github.com/dsa110/ingestcore/internal/app/scheduler"
	"github.com/dsa110/ingestcore/internal/app/worker"
	"github.com/dsa110/ingestcore/internal/config"
	"github.com/dsa110/ingestcore/internal/domain/ingest"
	"github.com/dsa110/ingestcore/internal/domain/msstate"
	"github.com/dsa110/ingestcore/internal/domain/task"
	"github.com/dsa110/ingestcore/internal/errors"
	"github.com/dsa110/ingestcore/internal/infra/store"
	"github.com/dsa110/ingestcore/internal/logging"
	"github.com/dsa110/ingestcore/internal/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML/TOML/JSON config file")
		logLevel   = flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	)
	flag.Parse()

	logger := logging.NewComponentLoggerAt("corectl", parseLevel(*logLevel))

	cfg, meta, err := config.Load(config.WithFile(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Info("config loaded: queue=%s concurrency=%d sources=%d", cfg.QueueName, cfg.WorkerConcurrency, len(meta.Sources))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	pg := store.New(pool, logger)
	if err := pg.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ensure schema: %v\n", err)
		os.Exit(1)
	}

	coreMetrics := metrics.NewWithRegisterer(prometheus.NewRegistry())

	bus := eventbus.New()
	sink := &instrumentedSink{bus: bus, metrics: coreMetrics, queue: cfg.QueueName}
	guard := resourceguard.New(resourceguard.WithLogger(logger))

	watcher := filewatcher.New(cfg.LandingRoot, `*.hdf5`, cfg.FileStabilityQuiet,
		filewatcher.WithLogger(logger),
		filewatcher.WithForgetAfter(cfg.ForgetAfter),
	)
	if err := watcher.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start file watcher: %v\n", err)
		os.Exit(1)
	}

	g := grouper.New(cfg.ExpectedSubbands, cfg.MinRequiredSubbands, cfg.ClusterTolerance, cfg.GroupTimeout)

	go runIngestLoop(ctx, watcher, g, pg, cfg.QueueName, bus, coreMetrics, logger)

	sched := scheduler.New(pg, scheduler.Config{CheckInterval: cfg.SchedulerCheckInterval}, logger)
	sched.Start(ctx)

	resolve := func(taskName string) executor.Executor {
		taskCfg := cfg.TaskTypes[taskName]
		if taskCfg.ExecutorMode == config.ExecutorSubprocess {
			return executor.NewSubprocess(taskName, nil, logger)
		}
		return executor.NewInProcess(unimplementedKernel(taskName), guard, logger)
	}

	pipelineRunner := pipeline.NewRunner(pg, pipeline.WithLogger(logger), pipeline.WithEventBus(bus))
	canonicalPipeline := newCanonicalPipeline(resolve)
	convertResolve := func(taskName string) executor.Executor {
		if taskName == "convert" {
			return executor.NewInProcess(newPipelineKernel(pipelineRunner, canonicalPipeline), guard, logger)
		}
		return resolve(taskName)
	}

	pool2 := worker.New(pg, convertResolve, worker.Config{
		QueueName:             cfg.QueueName,
		Concurrency:           cfg.WorkerConcurrency,
		PollInterval:          cfg.WorkerPollInterval,
		LeaseTTL:              cfg.LeaseTTL,
		ShutdownGrace:         cfg.ShutdownGrace,
		StormFailureThreshold: cfg.StormFailureThreshold,
		StormCooldown:         cfg.StormCooldown,
	}, worker.WithLogger(logger), worker.WithEventSink(sink))
	pool2.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	// Drain in dependency order: stop accepting/claiming new work (worker
	// pool, scheduler) before tearing down the ingest side (watcher).
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer drainCancel()
	for _, drainErr := range lifecycle.DrainAll(drainCtx, cfg.ShutdownGrace, pool2, sched, watcher) {
		logger.Warn("drain: %v", drainErr)
	}
}

// runIngestLoop bridges stable-file events into the grouper and, on
// every completed/timed-out group, registers it and attempts dispatch
// (spec §4.A-§4.C).
func runIngestLoop(ctx context.Context, watcher *filewatcher.Watcher, g *grouper.Grouper, pg *store.Postgres, queueName string, bus *eventbus.Bus, coreMetrics *metrics.CoreMetrics, logger logging.Logger) {
	sweepTicker := time.NewTicker(30 * time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			handleStableFile(ctx, ev, g, pg, queueName, bus, coreMetrics, logger)
		case <-sweepTicker.C:
			for _, groupEv := range g.Sweep(time.Now()) {
				handleGroupEvent(ctx, groupEv, pg, queueName, bus, coreMetrics, logger)
			}
		}
	}
}

func handleStableFile(ctx context.Context, ev filewatcher.StableEvent, g *grouper.Grouper, pg *store.Postgres, queueName string, bus *eventbus.Bus, coreMetrics *metrics.CoreMetrics, logger logging.Logger) {
	bus.Publish("file_stable", map[string]any{"path": ev.Path, "size": ev.Size})
	coreMetrics.RecordFileObserved(string(ingest.FileStable))
	base := filepath.Base(ev.Path)
	if err := pg.RegisterFile(ctx, ingest.SubbandFile{Path: ev.Path, Mtime: ev.StableMtime, Size: ev.Size, State: ingest.FileSeen}); err != nil {
		logger.Warn("register file %s: %v", ev.Path, err)
	}
	if err := pg.MarkStable(ctx, ev.Path); err != nil {
		logger.Warn("mark stable %s: %v", ev.Path, err)
	}
	groupEv := g.Ingest(base, ev.StableMtime)
	handleGroupEvent(ctx, groupEv, pg, queueName, bus, coreMetrics, logger)
}

func handleGroupEvent(ctx context.Context, ev grouper.Event, pg *store.Postgres, queueName string, bus *eventbus.Bus, coreMetrics *metrics.CoreMetrics, logger logging.Logger) {
	switch ev.Kind {
	case grouper.EventGroupComplete, grouper.EventGroupTimeoutAccept:
		bus.Publish("group_complete", map[string]any{"group_id": ev.GroupID, "members": len(ev.Members)})
		coreMetrics.RecordGroupOutcome(string(ev.Kind))
		ok, members, err := pg.TryCompleteGroup(ctx, ev.GroupID, len(ev.Members))
		if err != nil {
			logger.Warn("complete group %s: %v", ev.GroupID, err)
			return
		}
		if !ok {
			return
		}
		params, _ := json.Marshal(map[string]any{"group_id": ev.GroupID, "subbands": members})
		taskID, err := pg.Spawn(ctx, task.Spec{QueueName: queueName, TaskName: "convert", Params: params, MaxAttempts: 3})
		if err != nil {
			logger.Warn("spawn conversion task for group %s: %v", ev.GroupID, err)
			return
		}
		coreMetrics.RecordTaskSpawned(queueName)
		if err := pg.MarkGroupDispatched(ctx, ev.GroupID, taskID); err != nil {
			logger.Warn("mark dispatched %s: %v", ev.GroupID, err)
		}
	case grouper.EventGroupAbandoned:
		bus.Publish("group_abandoned", map[string]any{"group_id": ev.GroupID})
		coreMetrics.RecordGroupOutcome(string(ev.Kind))
	case grouper.EventUnparsable:
		logger.Warn("unparsable subband filename: %s", ev.Path)
	}
}

// instrumentedSink fans worker-pool lifecycle events out to the event
// bus while also updating the Prometheus counters for completed/failed
// tasks (spec §4.K/§6.K: EventBus delivery and the metrics registry are
// independent observers of the same lifecycle).
type instrumentedSink struct {
	bus     *eventbus.Bus
	metrics *metrics.CoreMetrics
	queue   string
}

func (s *instrumentedSink) Publish(kind string, payload any) {
	s.bus.Publish(kind, payload)
	fields, ok := payload.(map[string]any)
	if !ok {
		return
	}
	switch fields["status"] {
	case "completed":
		s.metrics.RecordTaskCompleted(s.queue)
	case "failed":
		s.metrics.RecordTaskFailed(s.queue, fmt.Sprintf("%v", fields["reason"]))
	}
}

// newCanonicalPipeline registers the fixed Conversion -> Calibration ->
// Imaging -> Mosaic stage sequence at startup (spec §6.J: no dynamic DAG
// language). Each stage's kernel is resolved the same way a top-level
// task's executor is, keyed by the stage name in config.TaskTypes.
func newCanonicalPipeline(resolve worker.ExecutorFor) pipeline.Pipeline {
	retry := pipeline.RetryPolicy{MaxAttempts: 3, Strategy: errors.StrategyExponential, InitialDelay: 2 * time.Second, MaxDelay: time.Minute}
	return pipeline.Pipeline{
		Name: "ms-pipeline",
		Stages: []pipeline.Stage{
			{
				Name:         "conversion",
				InputKeys:    []string{"group_id", "subbands"},
				OutputKeys:   []string{"raw_ms"},
				ExecutorMode: resolve("conversion"),
				Retry:        retry,
				Timeout:      10 * time.Minute,
				FromState:    msstate.StateRegistered,
				ToState:      msstate.StateConverted,
			},
			{
				Name:         "calibration",
				InputKeys:    []string{"raw_ms"},
				OutputKeys:   []string{"calibrated_ms"},
				ExecutorMode: resolve("calibration"),
				Retry:        retry,
				Timeout:      20 * time.Minute,
				FromState:    msstate.StateConverted,
				ToState:      msstate.StateCalibrated,
			},
			{
				Name:         "imaging",
				InputKeys:    []string{"calibrated_ms"},
				OutputKeys:   []string{"image"},
				ExecutorMode: resolve("imaging"),
				Retry:        retry,
				Timeout:      30 * time.Minute,
				FromState:    msstate.StateCalibrated,
				ToState:      msstate.StateImaged,
			},
			{
				Name:       "mosaic",
				InputKeys:  []string{"image"},
				OutputKeys: []string{"mosaic"},
				ExecutorMode: resolve("mosaic"),
				// The mosaic stage is best-effort: a single missing MS
				// should not block the rest of the mosaic window from
				// imaging, so the pipeline continues (degraded) rather
				// than aborting the whole run.
				Retry:     pipeline.RetryPolicy{MaxAttempts: 3, Strategy: errors.StrategyExponential, InitialDelay: 2 * time.Second, MaxDelay: time.Minute, ContinueOnFailure: true},
				Timeout:   30 * time.Minute,
				FromState: msstate.StateImaged,
				ToState:   msstate.StateMosaicked,
			},
		},
	}
}

// newPipelineKernel adapts a Runner+Pipeline pair into the in-process
// Kernel signature the "convert" task type's executor invokes, so the
// group-dispatch task spawned by the ingest loop (handleGroupEvent)
// triggers the full Conversion->Calibration->Imaging->Mosaic run rather
// than a single opaque step.
func newPipelineKernel(runner *pipeline.Runner, p pipeline.Pipeline) executor.Kernel {
	return func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var seed map[string]any
		if err := json.Unmarshal(params, &seed); err != nil {
			return nil, fmt.Errorf("unmarshal pipeline trigger params: %w", err)
		}
		groupID, _ := seed["group_id"].(string)
		msPath := fmt.Sprintf("/ms/%s.ms", groupID)

		_, aborted, err := runner.Run(ctx, p, pipeline.NewContext(msPath, seed))
		if err != nil {
			return nil, err
		}
		if aborted {
			return nil, fmt.Errorf("pipeline aborted for %s", msPath)
		}
		return json.Marshal(map[string]any{"ms_path": msPath, "status": "completed"})
	}
}

func unimplementedKernel(taskName string) executor.Kernel {
	return func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("no in-process kernel registered for task type %q", taskName)
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
