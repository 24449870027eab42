// Package telemetry publishes frames, detections, vehicle state and run
// status to the pub-sub bus without ever blocking the tick loop.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

const (
	DefaultQueueSize   = 8
	DefaultJPEGQuality = 80
)

type (
	// Status is the run summary published on the status topic.
	Status struct {
		Session   string
		State     model.RunState
		FrameID   uint64
		Ticks     uint64
		Fallbacks uint64
		Timeouts  uint64
		Stale     uint64
		Invalid   uint64
		Dropped   uint64
		Timestamp time.Time
	}

	Stats struct {
		Published int64
		Dropped   int64
		Errors    int64
	}

	Broadcaster struct {
		pub         bus.Publisher
		status      bus.StatusStore
		enabled     bool
		rawFrames   bool
		jpegQuality int
		queueSize   int
		l           *log.Logger

		queue     chan item
		done      chan struct{}
		closeOnce sync.Once
		mu        sync.RWMutex
		closed    bool

		published atomic.Int64
		dropped   atomic.Int64
		errors    atomic.Int64
	}

	Option func(*Broadcaster)

	item struct {
		frame     *model.FrameData
		detection *model.DetectionData
		state     *model.VehicleState
		status    *Status
	}
)

func WithEnabled(enabled bool) Option {
	return func(b *Broadcaster) {
		b.enabled = enabled
	}
}

func WithRawFrames(raw bool) Option {
	return func(b *Broadcaster) {
		b.rawFrames = raw
	}
}

func WithJPEGQuality(q int) Option {
	return func(b *Broadcaster) {
		if q > 0 && q <= 100 {
			b.jpegQuality = q
		}
	}
}

func WithQueueSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(b *Broadcaster) {
		b.l = l
	}
}

// WithStatusStore keeps the latest status for late joining viewers.
func WithStatusStore(s bus.StatusStore) Option {
	return func(b *Broadcaster) {
		b.status = s
	}
}

func New(pub bus.Publisher, opts ...Option) *Broadcaster {
	ret := &Broadcaster{
		pub:         pub,
		enabled:     true,
		jpegQuality: DefaultJPEGQuality,
		queueSize:   DefaultQueueSize,
		l:           log.Default().Named("telemetry"),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.queue = make(chan item, ret.queueSize)
	if ret.enabled {
		go ret.run()
	} else {
		close(ret.done)
	}
	return ret
}

func (b *Broadcaster) Enabled() bool {
	return b.enabled
}

// PublishTick queues the tick data for publishing. The frame must not be
// modified by the caller afterwards. Nil values are skipped.
func (b *Broadcaster) PublishTick(
	frame *model.FrameData,
	detection *model.DetectionData,
	state *model.VehicleState,
) {
	b.offer(item{frame: frame, detection: detection, state: state})
}

func (b *Broadcaster) PublishStatus(s Status) {
	b.offer(item{status: &s})
}

func (b *Broadcaster) offer(it item) {
	if !b.enabled {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- it:
	default:
		b.dropped.Add(1)
	}
}

func (b *Broadcaster) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Errors:    b.errors.Load(),
	}
}

// Close stops accepting data and waits up to timeout for queued messages
// to be handed to the transport.
func (b *Broadcaster) Close(timeout time.Duration) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		if b.enabled {
			close(b.queue)
		}
		b.mu.Unlock()
		select {
		case <-b.done:
		case <-time.After(timeout):
			b.l.Warn("telemetry queue not drained on close")
		}
		s := b.Stats()
		b.l.Debug("telemetry closed",
			log.Int64("published", s.Published),
			log.Int64("dropped", s.Dropped),
			log.Int64("errors", s.Errors))
	})
}

func (b *Broadcaster) run() {
	defer close(b.done)
	for it := range b.queue {
		if it.frame != nil {
			b.sendFrame(it.frame)
		}
		if it.detection != nil {
			b.send(model.TopicDetection, nil, encodeJSON(it.detection.ToMap()))
		}
		if it.state != nil {
			b.send(model.TopicState, nil, encodeJSON(it.state.ToMap()))
		}
		if it.status != nil {
			data := encodeJSON(it.status.ToMap())
			b.send(model.TopicStatus, nil, data)
			if b.status != nil {
				if err := b.status.PutStatus(data); err != nil {
					b.l.Debug("could not store status", log.ErrorField(err))
				}
			}
		}
	}
}

func (b *Broadcaster) sendFrame(f *model.FrameData) {
	data, header, err := EncodeFrame(f, b.rawFrames, b.jpegQuality)
	if err != nil {
		b.errors.Add(1)
		b.l.Warn("could not encode frame", log.Uint64("frameId", f.FrameID), log.ErrorField(err))
		return
	}
	b.send(model.TopicFrame, header, data)
}

func (b *Broadcaster) send(topic model.Topic, header map[string]string, data []byte) {
	if err := b.pub.Publish(&bus.Message{Topic: topic, Header: header, Data: data}); err != nil {
		b.errors.Add(1)
		b.l.Debug("publish failed", log.String("topic", topic.String()), log.ErrorField(err))
		return
	}
	b.published.Add(1)
}

func (s *Status) ToMap() map[string]any {
	return map[string]any{
		"session":   s.Session,
		"state":     string(s.State),
		"frame_id":  int64(s.FrameID),
		"ticks":     int64(s.Ticks),
		"fallbacks": int64(s.Fallbacks),
		"timeouts":  int64(s.Timeouts),
		"stale":     int64(s.Stale),
		"invalid":   int64(s.Invalid),
		"dropped":   int64(s.Dropped),
		"timestamp": model.Seconds(s.Timestamp),
	}
}
