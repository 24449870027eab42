// Package natsbus implements the bus on top of NATS core pub-sub.
// Subjects are <prefix>.<topic>. An optional JetStream key-value bucket
// keeps the latest status snapshot.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

const statusKey = "status"

type (
	Bus struct {
		conn         *nats.Conn
		ownConn      bool
		prefix       string
		l            *log.Logger
		pendingMsgs  int
		pendingBytes int
		kvBucket     string
		kvTTL        time.Duration
		kv           jetstream.KeyValue
		mu           sync.Mutex
		subs         []*nats.Subscription
		closed       bool
	}
	Option func(*Bus)
)

var (
	_ bus.Bus         = (*Bus)(nil)
	_ bus.StatusStore = (*Bus)(nil)
)

// Connect dials url and returns a bus owning the connection.
func Connect(url, clientName string, opts ...Option) (*Bus, error) {
	l := log.Default().Named("bus.nats")
	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("disconnected from nats", log.ErrorField(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("reconnected to nats", log.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) && sub != nil {
				dropped, _ := sub.Dropped()
				l.Debug("slow consumer",
					log.String("subject", sub.Subject), log.Int("dropped", dropped))
				return
			}
			l.Warn("nats error", log.ErrorField(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	ret, err := New(conn, append([]Option{WithLogger(l)}, opts...)...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ret.ownConn = true
	return ret, nil
}

// New creates a bus on an existing connection.
func New(conn *nats.Conn, opts ...Option) (*Bus, error) {
	ret := &Bus{
		conn:         conn,
		prefix:       bus.DefaultPrefix,
		l:            log.Default().Named("bus.nats"),
		pendingMsgs:  64,
		pendingBytes: 64 * 1024 * 1024,
		kvTTL:        time.Hour,
	}
	for _, opt := range opts {
		opt(ret)
	}
	if ret.kvBucket != "" {
		if err := ret.setupKV(); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		b.l = l
	}
}

func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		b.prefix = prefix
	}
}

// WithPendingLimits bounds the per-subscription queue of the client.
// Messages beyond the limits are dropped by the nats client.
func WithPendingLimits(msgs, bytes int) Option {
	return func(b *Bus) {
		b.pendingMsgs = msgs
		b.pendingBytes = bytes
	}
}

// WithStatusBucket enables the jetstream key-value status store.
func WithStatusBucket(bucket string, ttl time.Duration) Option {
	return func(b *Bus) {
		b.kvBucket = bucket
		if ttl > 0 {
			b.kvTTL = ttl
		}
	}
}

func (b *Bus) setupKV() error {
	var js jetstream.JetStream
	var err error
	if js, err = jetstream.New(b.conn); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  b.kvBucket,
		TTL:     b.kvTTL,
		History: 1,
	})
	if err != nil {
		return fmt.Errorf("create status bucket %s: %w", b.kvBucket, err)
	}
	return nil
}

func (b *Bus) Subject(topic model.Topic) string {
	return bus.Subject(b.prefix, topic)
}

func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

func (b *Bus) Publish(msg *bus.Message) error {
	nm := &nats.Msg{Subject: b.Subject(msg.Topic), Data: msg.Data}
	if len(msg.Header) > 0 {
		nm.Header = nats.Header{}
		for k, v := range msg.Header {
			nm.Header.Set(k, v)
		}
	}
	if err := b.conn.PublishMsg(nm); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("%w: %w", bus.ErrClosed, err)
		}
		return err
	}
	return nil
}

func (b *Bus) Subscribe(topic model.Topic, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}
	sub, err := b.conn.Subscribe(b.Subject(topic), func(m *nats.Msg) {
		msg := &bus.Message{Topic: topic, Data: m.Data}
		if len(m.Header) > 0 {
			msg.Header = make(map[string]string, len(m.Header))
			for k := range m.Header {
				msg.Header[k] = m.Header.Get(k)
			}
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.Subject(topic), err)
	}
	if err := sub.SetPendingLimits(b.pendingMsgs, b.pendingBytes); err != nil {
		b.l.Warn("could not set pending limits", log.ErrorField(err))
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// PutStatus stores the latest status snapshot. It is a no-op without a
// status bucket.
func (b *Bus) PutStatus(data []byte) error {
	if b.kv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.kv.Put(ctx, statusKey, data)
	return err
}

func (b *Bus) LastStatus() ([]byte, error) {
	if b.kv == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entry, err := b.kv.Get(ctx, statusKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

// Close removes all subscriptions and closes the connection if the bus
// created it.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.l.Debug("unsubscribe", log.String("subject", sub.Subject), log.ErrorField(err))
		}
	}
	b.subs = nil
	if b.ownConn {
		if err := b.conn.Flush(); err != nil {
			b.l.Debug("flush on close", log.ErrorField(err))
		}
		b.conn.Close()
	}
}
