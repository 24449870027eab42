package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynet-lkas/lkas-sim/pkg/decision"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/shm"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
	"github.com/skynet-lkas/lkas-sim/pkg/sim/synthetic"
)

func syntheticFrame(t *testing.T, spawn synthetic.SpawnPoint) *model.FrameData {
	t.Helper()
	s := synthetic.New(
		synthetic.WithCamera(sim.Camera{Width: 320, Height: 240, Channels: 4}),
		synthetic.WithSpawnPoints(spawn))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.SetSynchronous(ctx, true, 0))
	require.NoError(t, s.Spawn(ctx, 0))
	f, _, err := s.Frame(ctx)
	require.NoError(t, err)
	return f
}

func TestScan(t *testing.T) {
	lc := decision.NewLaneCenter(320)
	tests := []struct {
		name  string
		spawn synthetic.SpawnPoint
		steer func(float64) bool
	}{
		{"centered", synthetic.SpawnPoint{}, func(s float64) bool { return s > -0.02 && s < 0.02 }},
		// vehicle left of the lane center has to steer right
		{"left of center", synthetic.SpawnPoint{Offset: 0.4}, func(s float64) bool { return s > 0.02 }},
		{"right of center", synthetic.SpawnPoint{Offset: -0.4}, func(s float64) bool { return s < -0.02 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := syntheticFrame(t, tt.spawn)
			f.FrameID = 9
			det := NewScan().Detect(f)
			require.True(t, det.Valid)
			assert.Equal(t, uint64(9), det.FrameID)
			require.NotNil(t, det.Left)
			require.NotNil(t, det.Right)
			assert.Less(t, det.Left.X1, det.Right.X1)
			d := lc.Decide(&det)
			assert.True(t, tt.steer(d.Steer), "steer %v", d.Steer)
		})
	}
}

func TestScan_NoMarkers(t *testing.T) {
	f := &model.FrameData{FrameID: 3, Width: 10, Height: 10, Channels: 1, Pixels: make([]byte, 100)}
	det := NewScan().Detect(f)
	assert.False(t, det.Valid)
	assert.Nil(t, det.Left)
	assert.Equal(t, uint64(3), det.FrameID)
}

func TestRunner(t *testing.T) {
	dir := t.TempDir()
	fw, err := shm.NewFrameWriter(dir, "img", 320, 240, 4)
	require.NoError(t, err)
	defer fw.Close()
	dw, err := shm.NewDetectionWriter(dir, "det")
	require.NoError(t, err)
	defer dw.Close()
	fr, err := shm.NewFrameReader(dir, "img")
	require.NoError(t, err)
	defer fr.Close()
	dr := shm.NewDetectionReader(dir, "det")
	defer dr.Close()

	r := NewRunner(fr, dw, WithPollInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()

	f := syntheticFrame(t, synthetic.SpawnPoint{})
	for id := uint64(1); id <= 3; id++ {
		f.FrameID = id
		require.NoError(t, fw.WriteFrame(f))
		r.Wakeup()
		require.Eventually(t, func() bool { return dr.LatestID() == id },
			time.Second, time.Millisecond)
	}
	d, ok, err := dr.ReadDetection()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Valid)
	assert.Equal(t, uint64(3), d.FrameID)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(3), r.Processed())
}
