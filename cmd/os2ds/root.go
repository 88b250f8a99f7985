package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/os2datascanner/engine/pkg/common/logger"
	"github.com/os2datascanner/engine/pkg/common/otel"
	"github.com/os2datascanner/engine/pkg/config"
)

// app carries what every subcommand shares once the configuration is
// loaded.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	hostname   string
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:          "os2ds",
		Short:        "Scanning engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			return a.load(cmd.Context(), debug)
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return cmd.Help() },
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "YAML configuration file")
	flags.String("log", "info", "log level (debug, info, warning, error, critical)")
	flags.String("log-file", "", "also write logs to this file, rotated")
	flags.Bool("debug", false, "log at debug level")
	bindFlag(a.v, flags.Lookup("log"), "log.level")
	bindFlag(a.v, flags.Lookup("log-file"), "log.file")

	root.AddCommand(newRunStageCmd(a), newSubmitCmd(a), newCancelCmd(a))
	return root
}

// bindFlag wires a flag to a viper key so that an explicitly set flag
// overrides the file and the environment.
func bindFlag(v *viper.Viper, flag *pflag.Flag, key string) {
	if flag == nil {
		cobra.CheckErr(fmt.Errorf("flag for config key %q not found", key))
		return
	}
	cobra.CheckErr(v.BindPFlag(key, flag))
}

func (a *app) load(ctx context.Context, debug bool) error {
	cfg, err := config.NewViperLoader(a.v, a.configFile).Load(ctx)
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	a.cfg = cfg

	a.hostname, err = os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	return nil
}

// newLogger builds the JSON logger of one process. Error records are echoed
// to stderr as events, as the services of this repository have always done.
func (a *app) newLogger(role string) (*logger.Logger, func()) {
	level, err := logger.ParseLevel(a.cfg.Log.Level)
	if err != nil {
		level = logger.LevelInfo
	}

	var w io.Writer = os.Stdout
	closer := func() {}
	if a.cfg.Log.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   a.cfg.Log.File,
			MaxSize:    a.cfg.Log.MaxSize,
			MaxBackups: a.cfg.Log.MaxBackups,
			MaxAge:     a.cfg.Log.MaxAge,
			Compress:   a.cfg.Log.Compress,
		}
		w = io.MultiWriter(os.Stdout, rotating)
		closer = func() { _ = rotating.Close() }
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}
			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("os2ds-%s-%s", role, a.hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": a.hostname,
		"app":      role,
	}
	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	return logger.NewWithMetadata(w, level, svcName, traceIDFn, logEvents, metadata), closer
}

// initTelemetry installs the tracer and meter providers. When an exporter
// is configured the returned logger also forwards records over OTLP.
func (a *app) initTelemetry(log *logger.Logger, role string) (trace.Tracer, *logger.Logger, func(context.Context), error) {
	svcName := "os2ds-" + role
	tp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: a.cfg.OTel.Endpoint,
		Probability:      a.cfg.OTel.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        a.hostname,
		},
		InsecureExporter: a.cfg.OTel.Insecure,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if a.cfg.OTel.Endpoint != "" {
		log = log.WithHandler(otel.LogHandler(svcName))
	}
	return tp.Tracer(svcName), log, teardown, nil
}
