package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/skynet-lkas/lkas-sim/log"
)

//nolint:lll // long generic signature
// see https://betterprogramming.pub/how-to-broadcast-messages-in-go-using-channels-b68f42bdf32e

// BroadcastServer fans out messages of a source channel to its subscribers.
// A subscriber that cannot take a message right away misses it.
type BroadcastServer[T any] interface {
	Subscribe() <-chan T
	CancelSubscription(<-chan T)
	Stats() Stats
	Close()
}

type Stats struct {
	Received  int64
	Sent      int64
	Skipped   int64
	Listeners int64
}

type broadcastServer[T any] struct {
	name           string
	source         <-chan T
	listeners      []chan T
	addListener    chan chan T
	removeListener chan (<-chan T)
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	closeOnce      sync.Once
	bufferSize     int
	numRcv         atomic.Int64
	numSnd         atomic.Int64
	numSkip        atomic.Int64
	numListeners   atomic.Int64
	eventKey       string
	logger         *log.Logger
}

type Option[T any] func(*broadcastServer[T])

func WithTelemetry[T any](eventKey string) Option[T] {
	return func(b *broadcastServer[T]) {
		b.eventKey = eventKey
	}
}

// WithBuffer sets the capacity of each subscriber channel.
func WithBuffer[T any](size int) Option[T] {
	return func(b *broadcastServer[T]) {
		b.bufferSize = size
	}
}

func WithLogger[T any](logger *log.Logger) Option[T] {
	return func(b *broadcastServer[T]) {
		b.logger = logger
	}
}

func (b *broadcastServer[T]) Subscribe() <-chan T {
	ch := make(chan T, b.bufferSize)
	select {
	case b.addListener <- ch:
	case <-b.done:
		close(ch)
	}
	return ch
}

func (b *broadcastServer[T]) CancelSubscription(ch <-chan T) {
	select {
	case b.removeListener <- ch:
	case <-b.done:
	}
}

func (b *broadcastServer[T]) Stats() Stats {
	return Stats{
		Received:  b.numRcv.Load(),
		Sent:      b.numSnd.Load(),
		Skipped:   b.numSkip.Load(),
		Listeners: b.numListeners.Load(),
	}
}

func (b *broadcastServer[T]) Close() {
	b.closeOnce.Do(func() {
		b.logger.Info("Closing broadcast server",
			log.String("name", b.name),
			log.Int64("rcv", b.numRcv.Load()),
			log.Int64("snd", b.numSnd.Load()),
			log.Int64("skip", b.numSkip.Load()))
		b.cancel()
		<-b.done
	})
}

//nolint:whitespace // false positive
func NewBroadcastServer[T any](
	name string,
	source <-chan T,
	opts ...Option[T],
) BroadcastServer[T] {
	ctx, cancel := context.WithCancel(context.Background())
	b := &broadcastServer[T]{
		name:           name,
		source:         source,
		addListener:    make(chan chan T),
		removeListener: make(chan (<-chan T)),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		bufferSize:     1,
		logger:         log.Default().Named("broadcast"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.eventKey != "" {
		b.setupMetrics()
	}
	go b.serve()
	return b
}

//nolint:lll,funlen // readability
func (b *broadcastServer[T]) setupMetrics() {
	b.logger.Debug("Setting up metrics",
		log.String("eventKey", b.eventKey),
		log.String("name", b.name))
	meter := otel.GetMeterProvider().Meter(fmt.Sprintf("lkas.broadcast.%s", b.name))
	register := func(metricName, desc, unit string, valueProvider func() int64) {
		if _, err := meter.Int64ObservableGauge(
			metricName,
			metric.WithDescription(desc),
			metric.WithUnit(unit),

			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(valueProvider(),
					metric.WithAttributes(
						attribute.String("name", b.name),
						attribute.String("event", b.eventKey),
					),
				)
				return nil
			})); err != nil {
			b.logger.Error("failed to register metric",
				log.String("metric", metricName),
				log.ErrorField(err))
		}
	}
	type data struct {
		name  string
		desc  string
		unit  string
		value func() int64
	}
	for _, d := range []*data{
		{
			"lkas.broadcast.rcv", "Number of received messages", "{count}",
			b.numRcv.Load,
		},
		{
			"lkas.broadcast.snd", "Number of sent messages", "{count}",
			b.numSnd.Load,
		},
		{
			"lkas.broadcast.skip", "Number of skipped messages", "{count}",
			b.numSkip.Load,
		},
		{
			"lkas.broadcast.listener", "Number of listeners", "{count}",
			b.numListeners.Load,
		},
	} {
		register(d.name, d.desc, d.unit, d.value)
	}
}

//nolint:funlen,cyclop,gocognit // single event loop
func (b *broadcastServer[T]) serve() {
	defer func() {
		b.logger.Debug("Closing listeners", log.String("name", b.name))
		for _, listener := range b.listeners {
			close(listener)
		}
		b.listeners = nil
		close(b.done)
	}()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ch := <-b.addListener:
			b.listeners = append(b.listeners, ch)
			b.numListeners.Store(int64(len(b.listeners)))
		case ch := <-b.removeListener:
			for i, listener := range b.listeners {
				if listener == ch {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					close(listener)
					break
				}
			}
			b.numListeners.Store(int64(len(b.listeners)))
		case msg, ok := <-b.source:
			if !ok {
				return
			}
			b.numRcv.Add(1)
			for _, listener := range b.listeners {
				// never wait for a slow listener
				select {
				case listener <- msg:
					b.numSnd.Add(1)
				default:
					b.numSkip.Add(1)
				}
			}
		}
	}
}
