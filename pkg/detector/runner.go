package detector

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

type (
	FrameSource interface {
		LatestID() uint64
		Read() (model.FrameData, error)
	}
	DetectionSink interface {
		WriteDetection(d *model.DetectionData) error
	}

	// Runner feeds frames from the frame channel through Scan and writes the
	// results to the detection channel.
	Runner struct {
		frames       FrameSource
		detections   DetectionSink
		scan         *Scan
		pollInterval time.Duration
		delay        time.Duration
		dropRate     float64
		wakeup       chan struct{}
		l            *log.Logger

		processed atomic.Int64
		dropped   atomic.Int64
	}
	RunnerOption func(*Runner)
)

func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.pollInterval = d
	}
}

// WithDelay adds an artificial processing delay to every frame.
func WithDelay(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.delay = d
	}
}

// WithDropRate makes the runner skip the given fraction of frames.
func WithDropRate(rate float64) RunnerOption {
	return func(r *Runner) {
		r.dropRate = rate
	}
}

func WithLogger(l *log.Logger) RunnerOption {
	return func(r *Runner) {
		r.l = l
	}
}

func NewRunner(frames FrameSource, detections DetectionSink, opts ...RunnerOption) *Runner {
	ret := &Runner{
		frames:       frames,
		detections:   detections,
		scan:         NewScan(),
		pollInterval: 2 * time.Millisecond,
		wakeup:       make(chan struct{}, 1),
		l:            log.Default().Named("detector"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Wakeup makes the runner check for a new frame right away. It never blocks.
func (r *Runner) Wakeup() {
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

// Run processes frames until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			r.l.Info("detector stopped",
				log.Int64("processed", r.processed.Load()),
				log.Int64("dropped", r.dropped.Load()))
			return nil
		case <-ticker.C:
		case <-r.wakeup:
		}
		id := r.frames.LatestID()
		if id == 0 || id == last {
			continue
		}
		last = id
		if err := r.process(ctx); err != nil {
			r.l.Warn("could not process frame", log.Uint64("frameId", id), log.ErrorField(err))
		}
	}
}

func (r *Runner) process(ctx context.Context) error {
	f, err := r.frames.Read()
	if err != nil {
		return err
	}
	if r.dropRate > 0 && rand.Float64() < r.dropRate {
		r.dropped.Add(1)
		return nil
	}
	det := r.scan.Detect(&f)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil
		}
		det.ProcessingTime += r.delay
	}
	r.processed.Add(1)
	r.l.Debug("detection",
		log.Uint64("frameId", det.FrameID),
		log.Bool("valid", det.Valid),
		log.Duration("processing", det.ProcessingTime))
	return r.detections.WriteDetection(&det)
}

func (r *Runner) Processed() int64 { return r.processed.Load() }
func (r *Runner) Dropped() int64   { return r.dropped.Load() }
