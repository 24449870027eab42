// Package metrics holds the OpenTelemetry instruments of the tick loop.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

const meterName = "lkas.orchestrator"

type (
	Recorder struct {
		provider metric.MeterProvider
		meter    metric.Meter
		l        *log.Logger

		ticks     metric.Int64Counter
		fallbacks metric.Int64Counter
		outcomes  metric.Int64Counter
		actions   metric.Int64Counter
		tickTime  metric.Float64Histogram
		waitTime  metric.Float64Histogram
		stageTime metric.Float64Histogram
	}
	Option func(*Recorder)
)

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(r *Recorder) {
		r.provider = p
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Recorder) {
		r.l = l
	}
}

// NewRecorder creates the instruments. Instruments that cannot be created
// are logged and replaced by no-ops.
//
//nolint:funlen // instrument list
func NewRecorder(opts ...Option) *Recorder {
	ret := &Recorder{
		provider: otel.GetMeterProvider(),
		l:        log.Default().Named("metrics"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.meter = ret.provider.Meter(meterName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := ret.meter.Int64Counter(name,
			metric.WithDescription(desc),
			metric.WithUnit("{count}"))
		if err != nil {
			ret.l.Error("failed to register metric", log.String("metric", name), log.ErrorField(err))
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := ret.meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("ms"))
		if err != nil {
			ret.l.Error("failed to register metric", log.String("metric", name), log.ErrorField(err))
		}
		return h
	}
	ret.ticks = counter("lkas.ticks", "Number of processed ticks")
	ret.fallbacks = counter("lkas.fallbacks", "Number of fallback commands")
	ret.outcomes = counter("lkas.roundtrip.outcomes", "Detection round trip outcomes")
	ret.actions = counter("lkas.actions", "Operator actions received")
	ret.tickTime = histogram("lkas.tick.duration", "Duration of a tick")
	ret.waitTime = histogram("lkas.roundtrip.wait", "Time spent waiting for the detector")
	ret.stageTime = histogram("lkas.stage.duration", "Duration of a tick stage")
	return ret
}

// Tick records one processed tick.
//
//nolint:whitespace // editor/linter issue
func (r *Recorder) Tick(
	ctx context.Context,
	cmd *model.ControlCommand,
	outcome model.Outcome,
	wait, total time.Duration,
) {
	if r.ticks == nil {
		return
	}
	r.ticks.Add(ctx, 1)
	r.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
	if cmd.IsFallback {
		r.fallbacks.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", string(cmd.Reason))))
	}
	r.waitTime.Record(ctx, ms(wait))
	r.tickTime.Record(ctx, ms(total))
}

func (r *Recorder) Stage(ctx context.Context, stage string, d time.Duration) {
	if r.stageTime == nil {
		return
	}
	r.stageTime.Record(ctx, ms(d), metric.WithAttributes(attribute.String("stage", stage)))
}

func (r *Recorder) Action(ctx context.Context, t model.ActionType) {
	if r.actions == nil {
		return
	}
	r.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t))))
}

// Gauge registers an observable gauge reading its value from f.
func (r *Recorder) Gauge(name, desc string, f func() int64) {
	if _, err := r.meter.Int64ObservableGauge(
		name,
		metric.WithDescription(desc),
		metric.WithUnit("{count}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(f())
			return nil
		})); err != nil {
		r.l.Error("failed to register metric", log.String("metric", name), log.ErrorField(err))
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
