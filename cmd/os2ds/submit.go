package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/os2datascanner/engine/internal/app/planner"
	"github.com/os2datascanner/engine/internal/app/runner"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/pkg/common/otel"
)

func newSubmitCmd(a *app) *cobra.Command {
	var specFile string
	var lastModified bool

	cmd := &cobra.Command{
		Use:   "submit --spec file.{yaml,json}",
		Short: "Start a scan and print its scan tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(specFile)
			if err != nil {
				return fmt.Errorf("opening scan request: %w", err)
			}
			defer f.Close()

			req, err := planner.ReadRequest(f)
			if err != nil {
				return err
			}
			if lastModified {
				req.DoLastModifiedCheck = true
			}

			return a.withPlanner(cmd.Context(), "planner", func(ctx context.Context, p *planner.Planner) error {
				tag, err := p.Submit(ctx, req)
				if err != nil {
					return err
				}
				b, err := json.MarshalIndent(tag.ToJSON(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&specFile, "spec", "", "scan request to submit")
	cmd.Flags().BoolVar(&lastModified, "do-last-modified-check", false, "only scan objects changed since the scanner's last run")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	var tagFile string

	cmd := &cobra.Command{
		Use:   "cancel --scan-tag file.json",
		Short: "Abort a running scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := os.ReadFile(tagFile)
			if err != nil {
				return fmt.Errorf("reading scan tag: %w", err)
			}
			var tag messages.ScanTag
			if err := json.Unmarshal(b, &tag); err != nil {
				return fmt.Errorf("decoding scan tag: %w", err)
			}

			return a.withPlanner(cmd.Context(), "planner", func(ctx context.Context, p *planner.Planner) error {
				return p.Cancel(ctx, tag)
			})
		},
	}

	cmd.Flags().StringVar(&tagFile, "scan-tag", "", "JSON scan tag of the scan to abort")
	_ = cmd.MarkFlagRequired("scan-tag")
	return cmd
}

// withPlanner connects a Planner to the broker and whatever stores are
// configured, runs fn and tears everything down.
func (a *app) withPlanner(ctx context.Context, role string, fn func(context.Context, *planner.Planner) error) error {
	log, closeLog := a.newLogger(role)
	defer closeLog()

	tracer, otelLog, teardown, err := a.initTelemetry(log, role)
	if err != nil {
		return err
	}
	defer teardown(context.Background())
	log = otelLog

	m, err := runner.NewPipelineMetrics(otel.GetMeterProvider(), role)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	broker, err := a.connectBroker(ctx, role, log, m, tracer)
	if err != nil {
		return err
	}
	defer broker.Close()

	st, err := a.openStores(ctx, log, tracer)
	if err != nil {
		return err
	}
	defer st.Close()

	p := planner.New(planner.Config{
		Broker:   broker,
		Statuses: st.statuses,
		Scanners: st.scanners,
		Checkups: st.checkups,
		Logger:   log,
		Tracer:   tracer,
	})
	return fn(ctx, p)
}
