package action

import (
	"sync"
	"sync/atomic"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// DefaultInboxSize is the number of pending messages an inbox keeps.
const DefaultInboxSize = 64

// Decoder turns a raw transport message into a value.
type Decoder[T any] func(data []byte) (T, error)

// Inbox buffers decoded messages between the transport goroutines and the
// tick loop. Offer never blocks: when the inbox is full the new message is
// dropped. Messages that cannot be decoded are counted and logged.
type Inbox[T any] struct {
	name    string
	decode  Decoder[T]
	ch      chan T
	logger  *log.Logger
	dropped atomic.Int64
	invalid atomic.Int64
	mu      sync.Mutex
	closed  bool
}

type InboxOption[T any] func(*Inbox[T])

func WithSize[T any](size int) InboxOption[T] {
	return func(i *Inbox[T]) {
		if size > 0 {
			i.ch = make(chan T, size)
		}
	}
}

func WithInboxLogger[T any](l *log.Logger) InboxOption[T] {
	return func(i *Inbox[T]) {
		i.logger = l
	}
}

func NewInbox[T any](name string, decode Decoder[T], opts ...InboxOption[T]) *Inbox[T] {
	ret := &Inbox[T]{
		name:   name,
		decode: decode,
		ch:     make(chan T, DefaultInboxSize),
		logger: log.Default().Named("inbox"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// NewActionInbox creates an inbox for operator actions.
func NewActionInbox(opts ...InboxOption[model.ActionEvent]) *Inbox[model.ActionEvent] {
	return NewInbox("action", model.DecodeAction, opts...)
}

// NewParameterInbox creates an inbox for runtime parameter updates.
func NewParameterInbox(
	opts ...InboxOption[model.ParameterUpdate],
) *Inbox[model.ParameterUpdate] {
	return NewInbox("parameter", model.DecodeParameter, opts...)
}

// Handle decodes data and queues the result. It is meant to be used as a
// transport subscription handler.
func (i *Inbox[T]) Handle(data []byte) {
	v, err := i.decode(data)
	if err != nil {
		i.invalid.Add(1)
		i.logger.Warn("discarding message",
			log.String("inbox", i.name),
			log.ByteString("data", data),
			log.ErrorField(err))
		return
	}
	i.Offer(v)
}

// Offer queues v without blocking. It returns false if v was dropped.
func (i *Inbox[T]) Offer(v T) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		i.dropped.Add(1)
		return false
	}
	select {
	case i.ch <- v:
		return true
	default:
		i.dropped.Add(1)
		i.logger.Debug("inbox full, dropping message", log.String("inbox", i.name))
		return false
	}
}

// Poll returns all pending messages in arrival order without blocking.
func (i *Inbox[T]) Poll() []T {
	var ret []T
	for {
		select {
		case v, ok := <-i.ch:
			if !ok {
				return ret
			}
			ret = append(ret, v)
		default:
			return ret
		}
	}
}

func (i *Inbox[T]) Dropped() int64 { return i.dropped.Load() }

func (i *Inbox[T]) Invalid() int64 { return i.invalid.Load() }

// Close stops accepting messages. Pending ones can still be polled.
func (i *Inbox[T]) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.ch)
	}
}
