// Package orchestrator drives the per tick loop: frame from the simulator,
// round trip with the detector, control policy, command to the simulator,
// mirror to the control channel and telemetry. Operator actions and
// parameter updates are polled once per tick.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/action"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/decision"
	"github.com/skynet-lkas/lkas-sim/pkg/metrics"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/policy"
	"github.com/skynet-lkas/lkas-sim/pkg/roundtrip"
	"github.com/skynet-lkas/lkas-sim/pkg/shm"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
	"github.com/skynet-lkas/lkas-sim/pkg/telemetry"
)

// consecutive simulator errors after which the simulator is considered lost
const maxSimErrors = 10

type (
	// TelemetryPublisher must never block.
	TelemetryPublisher interface {
		PublishTick(frame *model.FrameData, det *model.DetectionData, state *model.VehicleState)
		PublishStatus(s telemetry.Status)
		Stats() telemetry.Stats
	}

	Stats struct {
		Ticks          uint64
		Fallbacks      uint64
		Hits           uint64
		Timeouts       uint64
		Stale          uint64
		Invalid        uint64
		SimErrors      uint64
		ControlErrors  uint64
		ParamErrors    uint64
		ActionsDropped int64
		ActionsInvalid int64
		TelemetryDrops int64
	}

	Orchestrator struct {
		cfg        Config
		sim        sim.Simulator
		subscriber bus.Subscriber
		notifier   roundtrip.Notifier
		telemetry  TelemetryPublisher
		decider    decision.Decider
		recorder   *metrics.Recorder
		tracer     trace.Tracer
		l          *log.Logger
		session    string

		frames     *shm.FrameWriter
		detections *shm.DetectionReader
		control    *shm.ControlWriter
		exchanger  *roundtrip.Exchanger
		policy     *policy.Policy
		warmup     policy.WarmupState
		machine    *action.Machine
		actions    *action.Inbox[model.ActionEvent]
		params     *action.Inbox[model.ParameterUpdate]
		subs       []bus.Subscription
		latency    *latencyTracker

		lastFrameID uint64
		simErrors   int
		lastCmd     model.ControlCommand
		stats       Stats
		setupDone   bool
		released    bool
	}
	Option func(*Orchestrator)
)

// WithSubscriber enables operator actions and parameter updates.
func WithSubscriber(s bus.Subscriber) Option {
	return func(o *Orchestrator) {
		o.subscriber = s
	}
}

func WithNotifier(n roundtrip.Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

func WithTelemetry(t TelemetryPublisher) Option {
	return func(o *Orchestrator) {
		o.telemetry = t
	}
}

// WithDecider replaces the default lane center decider.
func WithDecider(d decision.Decider) Option {
	return func(o *Orchestrator) {
		o.decider = d
	}
}

func WithRecorder(r *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		o.l = l
	}
}

func WithSession(id string) Option {
	return func(o *Orchestrator) {
		o.session = id
	}
}

func New(cfg Config, simulator sim.Simulator, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ret := &Orchestrator{
		cfg:     cfg,
		sim:     simulator,
		l:       log.Default().Named("orchestrator"),
		tracer:  otel.Tracer("lkas.orchestrator"),
		session: uuid.NewString(),
		machine: action.NewMachine(cfg.SpawnPoint),
		latency: newLatencyTracker(),
	}
	for _, opt := range opts {
		opt(ret)
	}
	if ret.recorder == nil {
		ret.recorder = metrics.NewRecorder(metrics.WithLogger(ret.l))
	}
	ret.actions = action.NewActionInbox(action.WithInboxLogger[model.ActionEvent](ret.l))
	ret.params = action.NewParameterInbox(action.WithInboxLogger[model.ParameterUpdate](ret.l))
	return ret, nil
}

// Setup connects the simulator and acquires the shared memory channels.
// On error everything acquired so far is released again.
//
//nolint:funlen,cyclop // sequential setup
func (o *Orchestrator) Setup(ctx context.Context) (err error) {
	ctx, span := o.tracer.Start(ctx, "setup")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			o.release()
		}
	}()

	if err = o.sim.Connect(ctx); err != nil {
		return fmt.Errorf("connect simulator: %w", err)
	}
	if err = o.sim.SetSynchronous(ctx, o.cfg.Synchronous, o.cfg.FixedDelta); err != nil {
		return fmt.Errorf("set synchronous mode: %w", err)
	}
	if err = o.sim.Spawn(ctx, o.cfg.SpawnPoint); err != nil {
		return fmt.Errorf("spawn vehicle: %w", err)
	}
	if o.cfg.Autopilot {
		if err = o.sim.SetAutopilot(ctx, true); err != nil {
			return fmt.Errorf("enable autopilot: %w", err)
		}
	}
	cam := o.sim.Camera()

	if o.frames, err = shm.NewFrameWriter(o.cfg.ShmDir, o.cfg.ImageShmName,
		cam.Width, cam.Height, cam.Channels); err != nil {
		return fmt.Errorf("frame channel: %w", err)
	}
	if o.control, err = shm.NewControlWriter(o.cfg.ShmDir, o.cfg.ControlShmName); err != nil {
		return fmt.Errorf("control channel: %w", err)
	}
	o.detections = shm.NewDetectionReader(o.cfg.ShmDir, o.cfg.DetectionShmName)
	if aErr := o.detections.Attach(); aErr != nil {
		o.l.Info("detection channel not available yet", log.ErrorField(aErr))
	}
	// ids continue where a previous run stopped, so the detector never sees
	// an id twice
	o.lastFrameID = max(o.frames.Region().FrameID(), o.detections.LatestID())

	if o.decider == nil {
		o.decider = decision.NewLaneCenter(cam.Width)
	}
	o.policy = policy.New(o.cfg.Policy, o.decider)
	o.warmup = policy.WarmupState{Limit: o.cfg.Policy.WarmupLimit}

	rtOpts := []roundtrip.Option{
		roundtrip.WithPollInterval(o.cfg.PollInterval),
		roundtrip.WithLogger(o.l.Named("roundtrip")),
	}
	if o.notifier != nil {
		rtOpts = append(rtOpts, roundtrip.WithNotifier(o.notifier))
	}
	o.exchanger = roundtrip.NewExchanger(o.frames, o.detections, o.cfg.DetectorTimeout, rtOpts...)

	if o.subscriber != nil {
		for topic, handler := range map[model.Topic]bus.Handler{
			model.TopicAction:    bus.DataHandler(o.actions.Handle),
			model.TopicParameter: bus.DataHandler(o.params.Handle),
		} {
			sub, sErr := o.subscriber.Subscribe(topic, handler)
			if sErr != nil {
				return fmt.Errorf("subscribe %s: %w", topic, sErr)
			}
			o.subs = append(o.subs, sub)
		}
	}
	o.registerGauges()
	o.setupDone = true
	o.l.Info("setup complete",
		log.String("session", o.session),
		log.Uint64("firstFrameId", o.lastFrameID+1),
		log.Bool("detectorAttached", o.detections.Attached()))
	o.publishStatus()
	return nil
}

func (o *Orchestrator) registerGauges() {
	o.recorder.Gauge("lkas.actions.dropped", "Actions dropped because the inbox was full",
		o.actions.Dropped)
	o.recorder.Gauge("lkas.actions.invalid", "Actions that could not be parsed",
		o.actions.Invalid)
	if o.telemetry != nil {
		o.recorder.Gauge("lkas.telemetry.dropped", "Telemetry messages dropped",
			func() int64 { return o.telemetry.Stats().Dropped })
	}
}

// Run executes ticks until quit, MaxTicks, ctx cancellation or a fatal
// error. Channels, subscriptions and the simulator are always released.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.release()
	if !o.setupDone {
		return errors.New("setup not done")
	}
	for {
		if ctx.Err() != nil {
			o.l.Info("loop canceled")
			return nil
		}
		done, err := o.Step(ctx)
		if err != nil {
			o.l.Error("loop terminated", log.ErrorField(err))
			return err
		}
		if done {
			return nil
		}
	}
}

func (o *Orchestrator) State() model.RunState {
	return o.machine.State()
}

func (o *Orchestrator) Warmup() policy.WarmupState {
	return o.warmup
}

func (o *Orchestrator) Params() policy.Params {
	return o.policy.Params()
}

func (o *Orchestrator) Session() string {
	return o.session
}

func (o *Orchestrator) Stats() Stats {
	ret := o.stats
	if o.exchanger != nil {
		rt := o.exchanger.Stats()
		ret.Hits, ret.Timeouts, ret.Stale, ret.Invalid = rt.Hits, rt.Timeouts, rt.Stale, rt.Invalid
	}
	ret.ActionsDropped = o.actions.Dropped()
	ret.ActionsInvalid = o.actions.Invalid()
	if o.telemetry != nil {
		ret.TelemetryDrops = o.telemetry.Stats().Dropped
	}
	return ret
}

// Latency returns the per stage summary if latency tracking is enabled.
func (o *Orchestrator) Latency() []StageLatency {
	return o.latency.summary()
}

func (o *Orchestrator) publishStatus() {
	if o.telemetry == nil {
		return
	}
	s := o.Stats()
	o.telemetry.PublishStatus(telemetry.Status{
		Session:   o.session,
		State:     o.machine.State(),
		FrameID:   o.lastFrameID,
		Ticks:     s.Ticks,
		Fallbacks: s.Fallbacks,
		Timeouts:  s.Timeouts,
		Stale:     s.Stale,
		Invalid:   s.Invalid,
		Dropped:   uint64(s.TelemetryDrops),
		Timestamp: time.Now(),
	})
}

//nolint:cyclop // release everything that was acquired
func (o *Orchestrator) release() {
	if o.released {
		return
	}
	o.released = true
	for _, sub := range o.subs {
		if err := sub.Unsubscribe(); err != nil {
			o.l.Debug("unsubscribe", log.ErrorField(err))
		}
	}
	o.subs = nil
	o.actions.Close()
	o.params.Close()
	if o.setupDone {
		o.publishStatus()
	}
	closeRegion := func(name string, unlink func() error, closer func() error) {
		if o.cfg.UnlinkOnExit && unlink != nil {
			if err := unlink(); err != nil {
				o.l.Warn("could not unlink region", log.String("region", name), log.ErrorField(err))
			}
		}
		if err := closer(); err != nil {
			o.l.Warn("could not close region", log.String("region", name), log.ErrorField(err))
		}
	}
	if o.frames != nil {
		closeRegion(o.cfg.ImageShmName, o.frames.Region().Unlink, o.frames.Close)
	}
	if o.control != nil {
		closeRegion(o.cfg.ControlShmName, o.control.Region().Unlink, o.control.Close)
	}
	if o.detections != nil {
		// owned by the detector
		closeRegion(o.cfg.DetectionShmName, nil, o.detections.Close)
	}
	if err := o.sim.Close(); err != nil {
		o.l.Debug("closing simulator", log.ErrorField(err))
	}
	if o.cfg.Latency {
		o.latency.log(o.l)
	}
	s := o.Stats()
	o.l.Info("released",
		log.Uint64("ticks", s.Ticks),
		log.Uint64("fallbacks", s.Fallbacks),
		log.Uint64("hits", s.Hits),
		log.Uint64("timeouts", s.Timeouts),
		log.Uint64("stale", s.Stale),
		log.Uint64("invalid", s.Invalid),
		log.Int64("telemetryDrops", s.TelemetryDrops))
}
