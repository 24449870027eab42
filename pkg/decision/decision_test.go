package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

func lanes(leftBottom, rightBottom, leftTop, rightTop float32) *model.DetectionData {
	return &model.DetectionData{
		FrameID: 1,
		Valid:   true,
		Left:    &model.LaneLine{X1: leftBottom, Y1: 600, X2: leftTop, Y2: 360},
		Right:   &model.LaneLine{X1: rightBottom, Y1: 600, X2: rightTop, Y2: 360},
	}
}

func TestLaneCenter_Decide(t *testing.T) {
	c := NewLaneCenter(800)
	tests := []struct {
		name      string
		det       *model.DetectionData
		wantSteer func(t *testing.T, steer float64)
		departing bool
	}{
		{
			name: "centered straight lane",
			det:  lanes(250, 550, 370, 430),
			wantSteer: func(t *testing.T, steer float64) {
				t.Helper()
				assert.InDelta(t, 0, steer, 1e-9)
			},
		},
		{
			name: "lane center right of vehicle",
			det:  lanes(300, 600, 420, 480),
			wantSteer: func(t *testing.T, steer float64) {
				t.Helper()
				assert.Greater(t, steer, 0.0)
			},
		},
		{
			name: "lane center left of vehicle",
			det:  lanes(200, 500, 320, 380),
			wantSteer: func(t *testing.T, steer float64) {
				t.Helper()
				assert.Less(t, steer, 0.0)
			},
		},
		{
			name: "far off center",
			det:  lanes(450, 750, 570, 630),
			wantSteer: func(t *testing.T, steer float64) {
				t.Helper()
				assert.Greater(t, steer, 0.0)
			},
			departing: true,
		},
		{
			name: "no lanes",
			det:  &model.DetectionData{FrameID: 1, Valid: true},
			wantSteer: func(t *testing.T, steer float64) {
				t.Helper()
				assert.Equal(t, 0.0, steer)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Decide(tt.det)
			tt.wantSteer(t, got.Steer)
			if tt.departing {
				assert.Less(t, got.ThrottleBias, 0.0)
			} else {
				assert.Equal(t, 0.0, got.ThrottleBias)
			}
			// pure: same input, same output
			assert.Equal(t, got, c.Decide(tt.det))
		})
	}
}

func TestLaneCenter_SingleMarker(t *testing.T) {
	c := NewLaneCenter(800)
	left := &model.DetectionData{Left: &model.LaneLine{X1: 220}}
	off, ok := c.Offset(left)
	require.True(t, ok)
	assert.InDelta(t, 0, off, 1e-6)

	right := &model.DetectionData{Right: &model.LaneLine{X1: 580}}
	off, ok = c.Offset(right)
	require.True(t, ok)
	assert.InDelta(t, 0, off, 1e-6)
}

func TestLaneCenter_SetParameter(t *testing.T) {
	c := NewLaneCenter(800)
	handled, err := c.SetParameter("kp", 1.2)
	assert.True(t, handled)
	require.NoError(t, err)
	assert.Equal(t, 1.2, c.Kp)

	handled, err = c.SetParameter("kp", -1)
	assert.True(t, handled)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Equal(t, 1.2, c.Kp)

	handled, err = c.SetParameter("unknown", 1)
	assert.False(t, handled)
	assert.NoError(t, err)
}
