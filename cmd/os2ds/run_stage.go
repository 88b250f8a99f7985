package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/app/collector"
	"github.com/os2datascanner/engine/internal/app/pipeline"
	"github.com/os2datascanner/engine/internal/app/runner"
	"github.com/os2datascanner/engine/internal/domain/model"
	_ "github.com/os2datascanner/engine/internal/infra/sources/all"
	"github.com/os2datascanner/engine/internal/infra/sources/web"
	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/otel"
	"github.com/os2datascanner/engine/pkg/metrics"
)

var stageNames = []string{
	"explorer", "processor", "matcher", "tagger", "exporter", "worker",
	collector.CheckupCollectorStage.Name, collector.StatusCollectorStage.Name,
}

func newRunStageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run_stage {" + strings.Join(stageNames, "|") + "}",
		Short:     "Run one pipeline stage until interrupted",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: stageNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStage(cmd.Context(), args[0])
		},
	}

	flags := cmd.Flags()
	flags.Bool("enable-metrics", false, "serve Prometheus metrics")
	flags.Int("prometheus-port", 9091, "port of the metrics server")
	flags.Int("width", 3, "sources each parent may keep open")
	bindFlag(a.v, flags.Lookup("enable-metrics"), "metrics.enabled")
	bindFlag(a.v, flags.Lookup("prometheus-port"), "metrics.port")
	bindFlag(a.v, flags.Lookup("width"), "pipeline.width")
	return cmd
}

// stageHandler is a stage descriptor with the handler that implements it.
type stageHandler struct {
	stage   pipeline.Stage
	handler pipeline.MessageHandler
	sources *model.SourceManager
	// background runs next to the runner, if set.
	background func(ctx context.Context)
}

func (a *app) runStage(parent context.Context, name string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, closeLog := a.newLogger(name)
	defer closeLog()
	runner.DumpStacksOnSignal(ctx, os.Stderr)

	tracer, otelLog, teardown, err := a.initTelemetry(log, name)
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		return err
	}
	log = otelLog
	defer teardown(context.Background())

	pipelineMetrics, err := runner.NewPipelineMetrics(otel.GetMeterProvider(), name)
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	reg := prometheus.NewRegistry()
	stageMetrics := metrics.New("os2datascanner_pipeline_"+name, reg)

	var profiler runner.Profiler
	if a.cfg.Metrics.Enabled {
		srv, err := metrics.NewServer(fmt.Sprintf(":%d", a.cfg.Metrics.Port), reg)
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error(ctx, "metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		profiler = srv
	}

	broker, err := a.connectBroker(ctx, name, log, pipelineMetrics, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect to broker", "error", err)
		return err
	}
	defer broker.Close()

	st, err := a.openStores(ctx, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to open stores", "error", err)
		return err
	}
	defer st.Close()

	sh, err := a.buildStage(name, log, tracer, stageMetrics, st)
	if err != nil {
		return err
	}

	r, err := runner.New(ctx, runner.Config{
		Stage:         sh.stage,
		Handler:       sh.handler,
		Broker:        broker,
		SourceManager: sh.sources,
		Logger:        log,
		Tracer:        tracer,
		Metrics:       pipelineMetrics,
		StageMetrics:  stageMetrics,
		Profiler:      profiler,
		Prefetch:      a.cfg.Pipeline.Prefetch,
		AbortRingSize: a.cfg.Pipeline.AbortRing,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	if sh.background != nil {
		go sh.background(ctx)
	}

	log.Info(ctx, "Starting stage", "stage", name, "broker", a.cfg.Broker.Driver)
	if err := r.Run(ctx); err != nil {
		log.Error(ctx, "stage stopped", "error", err)
		return err
	}
	log.Info(ctx, "Stage shutdown complete", "stage", name)
	return nil
}

func (a *app) buildStage(
	name string,
	log *logger.Logger,
	tracer trace.Tracer,
	m *metrics.Metrics,
	st *stores,
) (*stageHandler, error) {
	cdeps := collector.Deps{
		Logger:  log,
		Tracer:  tracer,
		Metrics: m,
		Retrier: collector.NewRetrier(a.cfg.Pipeline.OpTimeout, a.cfg.Pipeline.OpTries),
	}

	switch name {
	case collector.CheckupCollectorStage.Name:
		if st.checkups == nil {
			return nil, fmt.Errorf("%s: %w", name, errNoDatabase)
		}
		return &stageHandler{
			stage:   collector.CheckupCollectorStage,
			handler: collector.NewCheckupCollector(cdeps, st.checkups, st.statuses),
		}, nil

	case collector.StatusCollectorStage.Name:
		if st.statuses == nil {
			return nil, fmt.Errorf("%s: %w", name, errNoDatabase)
		}
		c := collector.NewStatusCollector(cdeps, st.statuses, st.scanners,
			collector.NewLogNotifier(log), a.cfg.Pipeline.SnapshotParameter)
		return &stageHandler{
			stage:      collector.StatusCollectorStage,
			handler:    c,
			background: func(ctx context.Context) { c.RunSweeper(ctx, a.cfg.Pipeline.SweepInterval) },
		}, nil
	}

	stage, ok := pipeline.LookupStage(name)
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", name)
	}

	sm := model.NewSourceManager(a.cfg.Pipeline.Width, model.WithSourceManagerLogger(log))
	deps := pipeline.Deps{
		SourceManager: sm,
		Retrier:       pipeline.NewRetrier(a.cfg.Pipeline.OpTimeout, a.cfg.Pipeline.OpTries),
		Logger:        log,
		Tracer:        tracer,
		Configuration: map[string]any{
			web.ConfigTimeout: a.cfg.HTTP.Timeout,
			web.ConfigRPS:     a.cfg.HTTP.RPS,
		},
	}

	var handler pipeline.MessageHandler
	switch stage.Name {
	case pipeline.ExplorerStage.Name:
		handler = pipeline.NewExplorer(deps)
	case pipeline.ProcessorStage.Name:
		handler = pipeline.NewProcessor(deps)
	case pipeline.MatcherStage.Name:
		handler = pipeline.NewMatcher(deps)
	case pipeline.TaggerStage.Name:
		handler = pipeline.NewTagger(deps)
	case pipeline.ExporterStage.Name:
		handler = pipeline.NewExporter(deps)
	case pipeline.WorkerStage.Name:
		handler = pipeline.NewWorker(deps)
	default:
		return nil, errors.New("stage has no handler: " + stage.Name)
	}
	return &stageHandler{stage: stage, handler: handler, sources: sm}, nil
}
