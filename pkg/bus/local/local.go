// Package local provides an in-process bus. Each topic is served by a
// broadcast server; slow subscribers miss messages.
package local

import (
	"sync"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/utils/broadcast"
)

type (
	Bus struct {
		mu         sync.Mutex
		topics     map[model.Topic]*topic
		bufferSize int
		l          *log.Logger
		closed     bool
		status     []byte
		dropped    int64
	}
	Option func(*Bus)

	topic struct {
		src  chan *bus.Message
		bcst broadcast.BroadcastServer[*bus.Message]
	}

	subscription struct {
		b    *Bus
		t    *topic
		ch   <-chan *bus.Message
		once sync.Once
		done chan struct{}
	}
)

var (
	_ bus.Bus         = (*Bus)(nil)
	_ bus.StatusStore = (*Bus)(nil)
)

func New(opts ...Option) *Bus {
	ret := &Bus{
		topics:     make(map[model.Topic]*topic),
		bufferSize: 16,
		l:          log.Default().Named("bus.local"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		b.l = l
	}
}

// WithBuffer sets the queue size per topic and per subscriber.
func WithBuffer(size int) Option {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

func (b *Bus) getTopic(name model.Topic) *topic {
	if t, ok := b.topics[name]; ok {
		return t
	}
	src := make(chan *bus.Message, b.bufferSize)
	t := &topic{
		src: src,
		bcst: broadcast.NewBroadcastServer(name.String(), src,
			broadcast.WithBuffer[*bus.Message](b.bufferSize),
			broadcast.WithLogger[*bus.Message](b.l)),
	}
	b.topics[name] = t
	return t
}

func (b *Bus) Publish(msg *bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	t := b.getTopic(msg.Topic)
	select {
	case t.src <- msg:
	default:
		b.dropped++
	}
	return nil
}

// Dropped returns the number of messages dropped because a topic queue was full.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) Subscribe(name model.Topic, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	t := b.getTopic(name)
	b.mu.Unlock()

	sub := &subscription{b: b, t: t, ch: t.bcst.Subscribe(), done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range sub.ch {
			handler(msg)
		}
	}()
	return sub, nil
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.t.bcst.CancelSubscription(s.ch)
		<-s.done
	})
	return nil
}

func (b *Bus) PutStatus(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = append([]byte(nil), data...)
	return nil
}

func (b *Bus) LastStatus() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, t := range b.topics {
		t.bcst.Close()
		delete(b.topics, name)
	}
}
