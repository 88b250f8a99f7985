package runner

import (
	"context"

	"github.com/os2datascanner/engine/internal/domain/events"
	"github.com/os2datascanner/engine/internal/domain/messages"
	"github.com/os2datascanner/engine/pkg/common/logger"
)

// receiveCommand runs on the broadcast subscription. An abort is recorded at
// once, so that it reaches a delivery already being handled; the command then
// joins the queue like any other delivery.
func (r *Runner) receiveCommand(ctx context.Context, d events.Delivery) error {
	if body, err := messages.DecodeObject(d.Body); err == nil {
		if cmd, err := messages.CommandFromJSON(body); err == nil && cmd.Abort != nil {
			r.abort(ctx, *cmd.Abort)
		}
	}
	return r.enqueue(ctx, d)
}

// handleCommand applies a broadcast CommandMessage to this runner. Commands
// are always acknowledged, even when they cannot be decoded.
func (r *Runner) handleCommand(ctx context.Context, d events.Delivery) error {
	body, err := messages.DecodeObject(d.Body)
	if err != nil {
		r.log.Warn(ctx, "ignoring undecodable command", "error", err)
		return d.Ack()
	}
	cmd, err := messages.CommandFromJSON(body)
	if err != nil {
		r.log.Warn(ctx, "ignoring malformed command", "error", err)
		return d.Ack()
	}
	r.apply(ctx, cmd)
	return d.Ack()
}

func (r *Runner) apply(ctx context.Context, cmd messages.CommandMessage) {
	if cmd.Abort != nil {
		r.abort(ctx, *cmd.Abort)
	}

	if cmd.LogLevel != nil {
		level := logger.FromNumeric(*cmd.LogLevel)
		r.log.SetLevel(level)
		r.log.Info(ctx, "Log level changed", "level", *cmd.LogLevel)
	}

	if cmd.Profiling != nil {
		if r.profiler == nil {
			r.log.Warn(ctx, "profiling requested but no metrics server is running")
			return
		}
		r.profiler.SetProfiling(*cmd.Profiling)
		r.log.Info(ctx, "Profiling toggled", "enabled", *cmd.Profiling)
	}
}
