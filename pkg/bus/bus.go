// Package bus defines the pub-sub transport used for telemetry, operator
// actions and parameter updates.
package bus

import (
	"errors"
	"fmt"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// DefaultPrefix is the subject namespace used when none is configured.
const DefaultPrefix = "lkas"

var ErrClosed = errors.New("bus closed")

type Message struct {
	Topic  model.Topic
	Header map[string]string
	Data   []byte
}

type Handler func(msg *Message)

type Publisher interface {
	// Publish hands msg to the transport. It must not wait for subscribers.
	Publish(msg *Message) error
}

type Subscription interface {
	Unsubscribe() error
}

type Subscriber interface {
	Subscribe(topic model.Topic, handler Handler) (Subscription, error)
}

// StatusStore keeps the latest status snapshot for late joiners.
type StatusStore interface {
	PutStatus(data []byte) error
	LastStatus() ([]byte, error)
}

type Bus interface {
	Publisher
	Subscriber
	Close()
}

// Subject returns the transport subject of topic below prefix.
func Subject(prefix string, topic model.Topic) string {
	if prefix == "" {
		return topic.String()
	}
	return fmt.Sprintf("%s.%s", prefix, topic)
}

// DataHandler adapts a handler that only cares about the payload.
func DataHandler(f func(data []byte)) Handler {
	return func(msg *Message) { f(msg.Data) }
}
