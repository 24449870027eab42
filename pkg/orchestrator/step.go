package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
)

// Step executes one tick. done is set once the loop should stop regularly
// (quit or MaxTicks). Any error is fatal for the loop.
//
//nolint:funlen,cyclop // the tick is a linear sequence of stages
func (o *Orchestrator) Step(ctx context.Context) (done bool, err error) {
	o.applyParameters()

	effect := o.machine.ApplyAll(o.pollActions(ctx))
	if effect.Respawn {
		o.warmup.Reset()
		o.warmup.Limit = o.policy.Params().WarmupLimit
		o.policy.Reset()
		o.l.Info("respawning vehicle", log.Int("spawnPoint", effect.SpawnPoint))
		if err := o.sim.Spawn(ctx, effect.SpawnPoint); err != nil {
			if errors.Is(err, sim.ErrSimulatorLost) {
				return false, fmt.Errorf("respawn: %w", err)
			}
			o.l.Warn("respawn failed", log.ErrorField(err))
		}
	}
	if effect.Changed {
		o.l.Info("run state changed", log.String("state", string(o.machine.State())))
		o.publishStatus()
	}
	if effect.Quit {
		return true, nil
	}
	if o.machine.Paused() {
		o.publishStatus()
		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.PauseInterval):
		}
		return false, nil
	}

	ctx, span := o.tracer.Start(ctx, "tick")
	defer span.End()
	start := time.Now()
	mark := start
	stage := func(name string) {
		now := time.Now()
		d := now.Sub(mark)
		mark = now
		o.recorder.Stage(ctx, name, d)
		if o.cfg.Latency {
			o.latency.add(name, d)
		}
	}

	frame, state, err := o.sim.Frame(ctx)
	if err != nil {
		return false, o.simError("frame", err)
	}
	o.simErrors = 0
	o.lastFrameID++
	frame.FrameID = o.lastFrameID
	state.FrameID = o.lastFrameID
	span.SetAttributes(attribute.Int64("frame_id", int64(o.lastFrameID)))
	stage(stageFrame)

	res, err := o.exchanger.Exchange(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		span.RecordError(err)
		return false, fmt.Errorf("exchange frame %d: %w", frame.FrameID, err)
	}
	stage(stageRoundTrip)

	cmd := o.policy.Decide(&o.warmup, res.Outcome, res.Detection, frame.FrameID)
	stage(stagePolicy)

	if err := o.sim.Apply(ctx, cmd); err != nil {
		if sErr := o.simError("apply", err); sErr != nil {
			return false, sErr
		}
	}
	if err := o.control.WriteControl(cmd, o.machine.State()); err != nil {
		o.stats.ControlErrors++
		o.l.Warn("could not mirror control command", log.ErrorField(err))
	}
	stage(stageApply)

	state.Command = cmd
	if o.telemetry != nil {
		o.telemetry.PublishTick(frame, res.Detection, &state)
	}
	stage(stagePublish)

	if o.cfg.Synchronous {
		if err := o.sim.Tick(ctx); err != nil {
			if sErr := o.simError("tick", err); sErr != nil {
				return false, sErr
			}
		}
	}
	stage(stageTick)

	total := time.Since(start)
	o.lastCmd = cmd
	o.stats.Ticks++
	if cmd.IsFallback {
		o.stats.Fallbacks++
	}
	o.recorder.Tick(ctx, &cmd, res.Outcome, res.Waited, total)
	if o.cfg.Latency {
		o.latency.add(stageTotal, total)
	}
	if cmd.IsFallback {
		span.SetAttributes(attribute.String("fallback", string(cmd.Reason)))
	}
	if o.cfg.Verbose {
		o.l.Debug("tick",
			log.Uint64("frameId", frame.FrameID),
			log.String("outcome", res.Outcome.String()),
			log.Float64("steer", cmd.Steer),
			log.Float64("throttle", cmd.Throttle),
			log.Float64("brake", cmd.Brake),
			log.String("reason", string(cmd.Reason)),
			log.Duration("wait", res.Waited),
			log.Duration("total", total))
	}
	if o.cfg.StatusEvery > 0 && o.stats.Ticks%o.cfg.StatusEvery == 0 {
		o.publishStatus()
	}
	if o.cfg.MaxTicks > 0 && o.stats.Ticks >= o.cfg.MaxTicks {
		o.l.Info("tick limit reached", log.Uint64("ticks", o.stats.Ticks))
		return true, nil
	}
	return false, nil
}

// LastCommand returns the command of the most recent tick.
func (o *Orchestrator) LastCommand() model.ControlCommand {
	return o.lastCmd
}

func (o *Orchestrator) pollActions(ctx context.Context) []model.ActionEvent {
	events := o.actions.Poll()
	for i := range events {
		o.recorder.Action(ctx, events[i].Type)
		o.l.Info("action received", log.String("type", string(events[i].Type)))
	}
	return events
}

func (o *Orchestrator) applyParameters() {
	for _, u := range o.params.Poll() {
		if err := o.policy.Apply(u); err != nil {
			o.stats.ParamErrors++
			o.l.Warn("parameter update rejected",
				log.String("key", u.Key), log.Float64("value", u.Value), log.ErrorField(err))
			continue
		}
		// a finished warmup stays finished, the new limit applies after the next respawn
		if !o.warmup.Done() {
			o.warmup.Limit = o.policy.Params().WarmupLimit
		}
		o.l.Info("parameter updated", log.String("key", u.Key), log.Float64("value", u.Value))
	}
}

// simError returns nil if the tick can continue. A lost simulator or too
// many consecutive errors are fatal.
func (o *Orchestrator) simError(op string, err error) error {
	o.stats.SimErrors++
	o.simErrors++
	if errors.Is(err, sim.ErrSimulatorLost) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if o.simErrors >= maxSimErrors {
		return fmt.Errorf("%s: %d consecutive errors: %w: %w", op, o.simErrors, sim.ErrSimulatorLost, err)
	}
	o.l.Warn("simulator error", log.String("op", op), log.ErrorField(err))
	return nil
}
