// Package roundtrip implements the bounded frame-out / detection-in exchange
// with the detector process.
package roundtrip

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

type (
	FrameSink interface {
		WriteFrame(f *model.FrameData) error
	}
	DetectionSource interface {
		// LatestID is a cheap check for a new publication, 0 if none.
		LatestID() uint64
		ReadDetection() (d model.DetectionData, ok bool, err error)
	}
	// Notifier wakes up the detector once a frame is available.
	Notifier interface {
		NotifyFrame(frameID uint64) error
	}

	Result struct {
		Outcome   model.Outcome
		Detection *model.DetectionData // set for OutcomeHit and OutcomeInvalid
		Waited    time.Duration
		// highest detection id observed while waiting
		LastSeenID uint64
	}

	Stats struct {
		Hits     uint64
		Timeouts uint64
		Stale    uint64
		Invalid  uint64
	}

	Exchanger struct {
		frames       FrameSink
		detections   DetectionSource
		notifier     Notifier
		timeout      time.Duration
		pollInterval time.Duration
		l            *log.Logger

		// detection id seen at the end of the previous exchange
		lastObserved uint64

		hits, timeouts, stale, invalid atomic.Uint64
		notifyErrors                   atomic.Uint64
	}
	Option func(*Exchanger)
)

const DefaultPollInterval = 500 * time.Microsecond

func WithNotifier(n Notifier) Option {
	return func(e *Exchanger) {
		e.notifier = n
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Exchanger) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(e *Exchanger) {
		e.l = l
	}
}

//nolint:whitespace // editor/linter issue
func NewExchanger(
	frames FrameSink,
	detections DetectionSource,
	timeout time.Duration,
	opts ...Option,
) *Exchanger {
	e := &Exchanger{
		frames:       frames,
		detections:   detections,
		timeout:      timeout,
		pollInterval: DefaultPollInterval,
		l:            log.Default().Named("roundtrip"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchanger) Timeout() time.Duration {
	return e.timeout
}

// Exchange publishes the frame and waits at most the configured timeout for
// the detection carrying the same frame id. Only a failing frame write is
// returned as error; everything the detector does (or does not) ends up in
// the outcome. Not safe for concurrent use.
func (e *Exchanger) Exchange(ctx context.Context, frame *model.FrameData) (Result, error) {
	start := time.Now()
	if err := e.frames.WriteFrame(frame); err != nil {
		return Result{}, fmt.Errorf("write frame %d: %w", frame.FrameID, err)
	}
	if e.notifier != nil {
		if err := e.notifier.NotifyFrame(frame.FrameID); err != nil {
			e.notifyErrors.Add(1)
			e.l.Debug("notify failed", log.Uint64("frameId", frame.FrameID), log.ErrorField(err))
		}
	}

	w := waiter{e: e, frameID: frame.FrameID, lastSeen: e.lastObserved}
	if res, done := w.check(); done {
		return e.finish(res, start), nil
	}
	if e.timeout <= 0 {
		return e.finish(w.miss(), start), nil
	}

	deadline := time.NewTimer(e.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.finish(w.miss(), start), nil
		case <-deadline.C:
			// last chance for a result that arrived right at the deadline
			if res, done := w.check(); done {
				return e.finish(res, start), nil
			}
			return e.finish(w.miss(), start), nil
		case <-ticker.C:
			if res, done := w.check(); done {
				return e.finish(res, start), nil
			}
		}
	}
}

func (e *Exchanger) finish(res Result, start time.Time) Result {
	res.Waited = time.Since(start)
	e.lastObserved = res.LastSeenID
	switch res.Outcome {
	case model.OutcomeHit:
		e.hits.Add(1)
	case model.OutcomeTimeout:
		e.timeouts.Add(1)
	case model.OutcomeStale:
		e.stale.Add(1)
	case model.OutcomeInvalid:
		e.invalid.Add(1)
	}
	return res
}

func (e *Exchanger) Stats() Stats {
	return Stats{
		Hits:     e.hits.Load(),
		Timeouts: e.timeouts.Load(),
		Stale:    e.stale.Load(),
		Invalid:  e.invalid.Load(),
	}
}

func (e *Exchanger) NotifyErrors() uint64 {
	return e.notifyErrors.Load()
}

type waiter struct {
	e        *Exchanger
	frameID  uint64
	lastSeen uint64
	advanced bool // detector published something since the previous round trip
}

// check returns done=true once the detection for frameID is available.
func (w *waiter) check() (Result, bool) {
	id := w.e.detections.LatestID()
	if id != w.lastSeen {
		w.advanced = true
		w.lastSeen = id
	}
	if id != w.frameID {
		return Result{}, false
	}
	d, ok, err := w.e.detections.ReadDetection()
	if err != nil {
		w.e.l.Debug("detection read failed", log.ErrorField(err))
		return Result{}, false
	}
	if !ok || d.FrameID != w.frameID {
		// overwritten between LatestID and the copy; keep polling
		w.lastSeen = d.FrameID
		return Result{}, false
	}
	if !d.Valid {
		return Result{Outcome: model.OutcomeInvalid, Detection: &d, LastSeenID: id}, true
	}
	return Result{Outcome: model.OutcomeHit, Detection: &d, LastSeenID: id}, true
}

// miss classifies a round trip that ended without a matching detection.
// Results for older frames that showed up while waiting make it stale,
// silence makes it a timeout.
func (w *waiter) miss() Result {
	if w.advanced && w.lastSeen < w.frameID {
		return Result{Outcome: model.OutcomeStale, LastSeenID: w.lastSeen}
	}
	return Result{Outcome: model.OutcomeTimeout, LastSeenID: w.lastSeen}
}
