// Package planner starts and cancels scans: it turns a scan request into
// scan specs for the explorers and conversions for the objects earlier scans
// asked to look at again.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/os2datascanner/engine/internal/app/runner"
	"github.com/os2datascanner/engine/internal/domain/checkup"
	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
	"github.com/os2datascanner/engine/internal/domain/scanstatus"
	"github.com/os2datascanner/engine/pkg/common/logger"
)

// Config holds the collaborators of a Planner. The repositories are
// optional; without them no status is tracked, checkups are not revisited
// and last-modified checks are skipped.
type Config struct {
	Broker   events.Broker
	Statuses scanstatus.Repository
	Scanners scanstatus.ScannerRepository
	Checkups checkup.Repository

	Logger *logger.Logger
	Tracer trace.Tracer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Planner submits and cancels scans.
type Planner struct {
	broker   events.Broker
	statuses scanstatus.Repository
	scanners scanstatus.ScannerRepository
	checkups checkup.Repository

	log    *logger.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func New(cfg Config) *Planner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Planner{
		broker:   cfg.Broker,
		statuses: cfg.Statuses,
		scanners: cfg.Scanners,
		checkups: cfg.Checkups,
		log:      cfg.Logger.With("component", "planner"),
		tracer:   cfg.Tracer,
		now:      now,
	}
}

// Plan is what Submit publishes.
type Plan struct {
	ScanTag     messages.ScanTag
	ScanSpecs   []messages.ScanSpec
	Conversions []messages.ConversionMessage
}

// Submit plans a scan, records its status and publishes its messages. The
// checkups that were turned into conversions are removed.
func (p *Planner) Submit(ctx context.Context, req *Request) (messages.ScanTag, error) {
	ctx, span := p.tracer.Start(ctx, "planner.submit", trace.WithAttributes(
		attribute.Int64("scanner_pk", req.Scanner.PK),
		attribute.Int("source_count", len(req.Sources)),
	))
	defer span.End()

	plan, err := p.Plan(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		return messages.ScanTag{}, err
	}
	tag := plan.ScanTag

	if p.scanners != nil {
		if err := p.scanners.EnsureScanner(ctx, req.Scanner.PK, req.Scanner.Name); err != nil {
			return messages.ScanTag{}, fmt.Errorf("recording scanner: %w", err)
		}
	}
	if p.statuses != nil {
		if err := p.statuses.Create(ctx, scanstatus.New(tag, len(plan.ScanSpecs), p.now())); err != nil {
			return messages.ScanTag{}, fmt.Errorf("creating scan status: %w", err)
		}
	}

	for _, spec := range plan.ScanSpecs {
		if err := p.publish(ctx, messages.QueueScanSpecs, spec.ToJSON()); err != nil {
			return messages.ScanTag{}, err
		}
	}
	for _, conv := range plan.Conversions {
		if err := p.publish(ctx, messages.QueueConversions, conv.ToJSON()); err != nil {
			return messages.ScanTag{}, err
		}
	}

	if p.checkups != nil && len(plan.Conversions) > 0 {
		if err := p.checkups.DeleteForScanner(ctx, req.Scanner.PK); err != nil {
			return messages.ScanTag{}, fmt.Errorf("clearing checkups: %w", err)
		}
	}

	span.SetAttributes(
		attribute.Int("scan_spec_count", len(plan.ScanSpecs)),
		attribute.Int("conversion_count", len(plan.Conversions)),
	)
	p.log.Info(ctx, "Scan submitted",
		"scanner_pk", req.Scanner.PK,
		"scan_specs", len(plan.ScanSpecs),
		"checkups", len(plan.Conversions),
	)
	return tag, nil
}

// Plan builds the messages of a scan without publishing anything.
func (p *Planner) Plan(ctx context.Context, req *Request) (*Plan, error) {
	tag, err := p.scanTag(req)
	if err != nil {
		return nil, err
	}

	ruleJSON, err := jsonValue(req.Rule)
	if err != nil {
		return nil, fmt.Errorf("encoding rule: %w", err)
	}
	rule, err := rules.FromJSON(ruleJSON)
	if err != nil {
		return nil, fmt.Errorf("decoding rule: %w", err)
	}

	var filter rules.Rule
	if req.FilterRule != nil {
		fr, err := jsonValue(req.FilterRule)
		if err != nil {
			return nil, fmt.Errorf("encoding filter rule: %w", err)
		}
		if filter, err = rules.FromJSON(fr); err != nil {
			return nil, fmt.Errorf("decoding filter rule: %w", err)
		}
	}

	if req.DoLastModifiedCheck && p.scanners != nil {
		last, err := p.scanners.LastRun(ctx, req.Scanner.PK)
		if err != nil {
			return nil, fmt.Errorf("looking up last run: %w", err)
		}
		if last != nil {
			rule = rules.And(rules.NewLastModifiedRule(*last), rule)
		}
	}

	cfg := map[string]any{}
	if req.Configuration != nil {
		c, err := jsonObject(req.Configuration)
		if err != nil {
			return nil, fmt.Errorf("encoding configuration: %w", err)
		}
		maps.Copy(cfg, c)
	}
	if len(req.SkipMimeTypes) > 0 {
		skip := make([]any, len(req.SkipMimeTypes))
		for i, m := range req.SkipMimeTypes {
			skip[i] = m
		}
		cfg["skip_mime_types"] = skip
	}

	template := messages.ScanSpec{ScanTag: tag, Rule: rule, Configuration: cfg, FilterRule: filter}
	plan := &Plan{ScanTag: tag}
	for i, raw := range req.Sources {
		obj, err := jsonObject(raw)
		if err != nil {
			return nil, fmt.Errorf("encoding source %d: %w", i, err)
		}
		src, err := model.SourceFromJSON(obj)
		if err != nil {
			return nil, fmt.Errorf("decoding source %d: %w", i, err)
		}
		plan.ScanSpecs = append(plan.ScanSpecs, template.WithSource(src))
	}

	if p.checkups != nil {
		reminders, err := p.checkups.ListForScanner(ctx, req.Scanner.PK)
		if err != nil {
			return nil, fmt.Errorf("listing checkups: %w", err)
		}
		for _, c := range reminders {
			h, err := c.Handle()
			if err != nil {
				p.log.Warn(ctx, "skipping undecodable checkup", "scanner_pk", c.ScannerPK, "error", err)
				continue
			}
			here := rule
			if c.InterestedBefore != nil {
				here = rules.And(rules.NewLastModifiedRule(*c.InterestedBefore), rule)
			}
			plan.Conversions = append(plan.Conversions, messages.ConversionMessage{
				ScanSpec: template.WithSource(h.Source()),
				Handle:   h,
				Progress: rules.ProgressFragment{Rule: here, Matches: []rules.MatchFragment{}},
			})
		}
	}
	return plan, nil
}

func (p *Planner) scanTag(req *Request) (messages.ScanTag, error) {
	org := messages.Organisation{Name: req.Organisation.Name}
	if req.Organisation.UUID != "" {
		id, err := uuid.Parse(req.Organisation.UUID)
		if err != nil {
			return messages.ScanTag{}, fmt.Errorf("organisation uuid: %w", err)
		}
		org.UUID = id
	}
	scanner := messages.Scanner{PK: req.Scanner.PK, Name: req.Scanner.Name, Test: req.Scanner.Test}

	tag := messages.NewScanTag(p.now().Truncate(time.Second), scanner, org)
	if req.User != "" {
		tag = tag.WithUser(req.User)
	}
	if req.Destination != "" {
		tag = tag.WithDestination(req.Destination)
	}
	return tag, nil
}

func (p *Planner) publish(ctx context.Context, queue string, obj model.Object) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encoding message for %s: %w", queue, err)
	}
	if err := p.broker.Publish(ctx, queue, body, events.WithHeaders(messages.Headers(obj))); err != nil {
		return fmt.Errorf("publishing to %s: %w", queue, err)
	}
	return nil
}

// Cancel forgets the status of a scan and tells every runner to drop its
// messages. The abort is broadcast even if no status was found.
func (p *Planner) Cancel(ctx context.Context, tag messages.ScanTag) error {
	ctx, span := p.tracer.Start(ctx, "planner.cancel", trace.WithAttributes(
		attribute.Int64("scanner_pk", tag.Scanner.PK),
	))
	defer span.End()

	if p.statuses != nil {
		err := p.statuses.Delete(ctx, tag)
		switch {
		case errors.Is(err, scanstatus.ErrNotFound):
			p.log.Warn(ctx, "cancelling scan without a status", "scanner_pk", tag.Scanner.PK)
		case err != nil:
			span.RecordError(err)
			return fmt.Errorf("deleting scan status: %w", err)
		}
	}

	body, err := json.Marshal(messages.CommandMessage{Abort: &tag}.ToJSON())
	if err != nil {
		return fmt.Errorf("encoding abort: %w", err)
	}
	if err := p.broker.Broadcast(ctx, body, events.WithPriority(runner.CommandPriority)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "broadcast failed")
		return fmt.Errorf("broadcasting abort: %w", err)
	}
	p.log.Info(ctx, "Scan cancelled", "scanner_pk", tag.Scanner.PK)
	return nil
}
