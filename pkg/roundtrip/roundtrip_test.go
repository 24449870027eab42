//nolint:funlen // ok for tests
package roundtrip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// fakeDetector acts as frame sink and detection source. respond decides
// what gets published for a written frame and after which delay.
type fakeDetector struct {
	mu       sync.Mutex
	latest   model.DetectionData
	has      bool
	written  []uint64
	respond  func(frameID uint64) (d model.DetectionData, delay time.Duration, ok bool)
	writeErr error
}

func (f *fakeDetector) WriteFrame(frame *model.FrameData) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	f.written = append(f.written, frame.FrameID)
	f.mu.Unlock()
	if f.respond == nil {
		return nil
	}
	d, delay, ok := f.respond(frame.FrameID)
	if !ok {
		return nil
	}
	publish := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.latest = d
		f.has = true
	}
	if delay == 0 {
		publish()
	} else {
		time.AfterFunc(delay, publish)
	}
	return nil
}

func (f *fakeDetector) LatestID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.has {
		return 0
	}
	return f.latest.FrameID
}

func (f *fakeDetector) ReadDetection() (model.DetectionData, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.has, nil
}

func valid(id uint64) model.DetectionData {
	return model.DetectionData{FrameID: id, Valid: true, Confidence: 0.9}
}

func frame(id uint64) *model.FrameData {
	return &model.FrameData{FrameID: id, Width: 1, Height: 1, Channels: 1, Pixels: []byte{0}}
}

func newTestExchanger(det *fakeDetector, timeout time.Duration) *Exchanger {
	return NewExchanger(det, det, timeout,
		WithPollInterval(200*time.Microsecond),
		WithLogger(log.NewNop()))
}

func TestExchange_Hit(t *testing.T) {
	det := &fakeDetector{
		respond: func(id uint64) (model.DetectionData, time.Duration, bool) {
			return valid(id), 2 * time.Millisecond, true
		},
	}
	e := newTestExchanger(det, 100*time.Millisecond)
	res, err := e.Exchange(context.Background(), frame(1))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeHit, res.Outcome)
	require.NotNil(t, res.Detection)
	assert.Equal(t, uint64(1), res.Detection.FrameID)
	assert.Less(t, res.Waited, 100*time.Millisecond)
	assert.Equal(t, Stats{Hits: 1}, e.Stats())
}

func TestExchange_TimeoutIsBounded(t *testing.T) {
	det := &fakeDetector{} // detector never answers
	timeout := 20 * time.Millisecond
	e := newTestExchanger(det, timeout)

	for id := uint64(1); id <= 3; id++ {
		res, err := e.Exchange(context.Background(), frame(id))
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeTimeout, res.Outcome)
		assert.Nil(t, res.Detection)
		assert.GreaterOrEqual(t, res.Waited, timeout)
		assert.Less(t, res.Waited, timeout+50*time.Millisecond)
	}
	assert.Equal(t, Stats{Timeouts: 3}, e.Stats())
}

func TestExchange_LateResultIsDiscarded(t *testing.T) {
	timeout := 10 * time.Millisecond
	det := &fakeDetector{
		respond: func(id uint64) (model.DetectionData, time.Duration, bool) {
			if id == 1 {
				return valid(id), timeout + 5*time.Millisecond, true
			}
			return model.DetectionData{}, 0, false
		},
	}
	e := newTestExchanger(det, timeout)

	res, err := e.Exchange(context.Background(), frame(1))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTimeout, res.Outcome)

	// the late result for frame 1 shows up during the next round trip
	res, err = e.Exchange(context.Background(), frame(2))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStale, res.Outcome)
	assert.Nil(t, res.Detection)
	assert.Equal(t, uint64(1), res.LastSeenID)

	// nothing new afterwards: plain timeout again
	res, err = e.Exchange(context.Background(), frame(3))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTimeout, res.Outcome)
}

func TestExchange_LaggingDetector(t *testing.T) {
	// detector always answers for the previous frame
	det := &fakeDetector{
		respond: func(id uint64) (model.DetectionData, time.Duration, bool) {
			return valid(id - 1), time.Millisecond, id > 1
		},
	}
	e := newTestExchanger(det, 10*time.Millisecond)
	for id := uint64(1); id <= 4; id++ {
		res, err := e.Exchange(context.Background(), frame(id))
		require.NoError(t, err)
		if id == 1 {
			assert.Equal(t, model.OutcomeTimeout, res.Outcome)
			continue
		}
		assert.Equal(t, model.OutcomeStale, res.Outcome, "frame %d", id)
	}
	assert.Equal(t, Stats{Timeouts: 1, Stale: 3}, e.Stats())
}

func TestExchange_Invalid(t *testing.T) {
	det := &fakeDetector{
		respond: func(id uint64) (model.DetectionData, time.Duration, bool) {
			return model.DetectionData{FrameID: id, Valid: false}, 0, true
		},
	}
	e := newTestExchanger(det, 10*time.Millisecond)
	res, err := e.Exchange(context.Background(), frame(5))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInvalid, res.Outcome)
	assert.Equal(t, Stats{Invalid: 1}, e.Stats())
}

func TestExchange_WriteError(t *testing.T) {
	det := &fakeDetector{writeErr: errors.New("boom")}
	e := newTestExchanger(det, 10*time.Millisecond)
	_, err := e.Exchange(context.Background(), frame(1))
	assert.Error(t, err)
}

func TestExchange_ContextCancel(t *testing.T) {
	det := &fakeDetector{}
	e := newTestExchanger(det, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	res, err := e.Exchange(ctx, frame(1))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTimeout, res.Outcome)
	assert.Less(t, res.Waited, 500*time.Millisecond)
}

type countingNotifier struct{ ids []uint64 }

func (n *countingNotifier) NotifyFrame(id uint64) error {
	n.ids = append(n.ids, id)
	return nil
}

func TestExchange_ZeroTimeoutChecksOnce(t *testing.T) {
	det := &fakeDetector{
		respond: func(id uint64) (model.DetectionData, time.Duration, bool) {
			return valid(id), 0, true
		},
	}
	n := &countingNotifier{}
	e := NewExchanger(det, det, 0, WithNotifier(n), WithLogger(log.NewNop()))
	res, err := e.Exchange(context.Background(), frame(9))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeHit, res.Outcome)
	assert.Equal(t, []uint64{9}, n.ids)
}
