package shm

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

func TestFrameChannel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFrameWriter(dir, "frames", 4, 2, 3)
	require.NoError(t, err)
	defer w.Close()
	r, err := NewFrameReader(dir, "frames")
	require.NoError(t, err)
	defer r.Close()

	pixels := make([]byte, 4*2*3)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	f := model.FrameData{
		FrameID: 7, Timestamp: time.Now(), Width: 4, Height: 2, Channels: 3, Pixels: pixels,
	}
	require.NoError(t, w.WriteFrame(&f))
	assert.Equal(t, uint64(7), r.LatestID())

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.FrameID)
	assert.Equal(t, 4, got.Width)
	assert.Equal(t, 2, got.Height)
	assert.Equal(t, pixels, got.Pixels)

	big := model.FrameData{FrameID: 8, Width: 8, Height: 8, Channels: 3, Pixels: make([]byte, 192)}
	assert.ErrorIs(t, w.WriteFrame(&big), ErrPayloadTooLarge)
	assert.Equal(t, uint64(7), r.LatestID())
}

func TestDetectionChannel(t *testing.T) {
	dir := t.TempDir()
	r := NewDetectionReader(dir, "detections")
	defer r.Close()

	// detector not started yet
	_, ok, err := r.ReadDetection()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), r.LatestID())
	assert.False(t, r.Attached())

	w, err := NewDetectionWriter(dir, "detections")
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, r.Attach())

	// region exists but nothing was published
	_, ok, err = r.ReadDetection()
	require.NoError(t, err)
	assert.False(t, ok)

	want := model.DetectionData{
		FrameID:        3,
		Timestamp:      time.Unix(1700000000, 0),
		Valid:          true,
		Confidence:     0.875,
		Left:           &model.LaneLine{X1: 100, Y1: 600, X2: 350, Y2: 360, Confidence: 0.5},
		Right:          &model.LaneLine{X1: 700, Y1: 600, X2: 450, Y2: 360, Confidence: 0.75},
		ProcessingTime: 12 * time.Millisecond,
	}
	require.NoError(t, w.WriteDetection(&want))

	got, ok, err := r.ReadDetection()
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadDetection() mismatch (-want +got):\n%s", diff)
	}

	// one-sided detection
	oneSided := model.DetectionData{FrameID: 4, Valid: false, Left: want.Left}
	require.NoError(t, w.WriteDetection(&oneSided))
	got, ok, err = r.ReadDetection()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Valid)
	assert.NotNil(t, got.Left)
	assert.Nil(t, got.Right)
}

func TestControlChannel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewControlWriter(dir, "control")
	require.NoError(t, err)
	defer w.Close()
	r, err := NewControlReader(dir, "control")
	require.NoError(t, err)
	defer r.Close()

	cmd := model.ControlCommand{
		Throttle: 0.5, Steer: -0.25, Brake: 0, SourceFrameID: 99,
		IsFallback: true, Reason: model.ReasonStale,
	}
	require.NoError(t, w.WriteControl(cmd, model.StatePaused))

	rec, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, cmd, rec.Command)
	assert.Equal(t, model.StatePaused, rec.RunState)
}
