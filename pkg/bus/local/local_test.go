package local

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

type collector struct {
	mu   sync.Mutex
	data []string
}

func (c *collector) handle(msg *bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, string(msg.Data))
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.data...)
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	c := &collector{}
	sub, err := b.Subscribe(model.TopicAction, c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(&bus.Message{Topic: model.TopicAction, Data: []byte("pause")}))
	require.NoError(t, b.Publish(&bus.Message{Topic: model.TopicState, Data: []byte("other")}))
	require.NoError(t, b.Publish(&bus.Message{Topic: model.TopicAction, Data: []byte("resume")}))

	assert.Eventually(t, func() bool {
		return len(c.get()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pause", "resume"}, c.get())

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New(WithBuffer(2))
	defer b.Close()

	block := make(chan struct{})
	_, err := b.Subscribe(model.TopicFrame, func(*bus.Message) { <-block })
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		require.NoError(t, b.Publish(&bus.Message{Topic: model.TopicFrame, Data: []byte{byte(i)}}))
	}
	assert.Less(t, time.Since(start), time.Second)
	close(block)
}

func TestBus_Closed(t *testing.T) {
	b := New()
	b.Close()
	b.Close()
	assert.ErrorIs(t, b.Publish(&bus.Message{Topic: model.TopicFrame}), bus.ErrClosed)
	_, err := b.Subscribe(model.TopicFrame, func(*bus.Message) {})
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestBus_Status(t *testing.T) {
	b := New()
	defer b.Close()
	data, err := b.LastStatus()
	require.NoError(t, err)
	assert.Nil(t, data)
	require.NoError(t, b.PutStatus([]byte(`{"state":"running"}`)))
	data, err = b.LastStatus()
	require.NoError(t, err)
	assert.Equal(t, `{"state":"running"}`, string(data))
}
