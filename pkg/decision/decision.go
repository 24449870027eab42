// Package decision holds the steering decision function consumed by the
// control policy. The policy treats it as a black box: it only sees a
// Decider that maps a detection to steering and throttle/brake biases.
package decision

import (
	"errors"
	"fmt"
	"math"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

var ErrInvalidValue = errors.New("invalid parameter value")

type Decision struct {
	Steer        float64
	ThrottleBias float64
	BrakeBias    float64
}

type Decider interface {
	// Decide must be free of side effects, it is only called for detections
	// that belong to the current frame.
	Decide(d *model.DetectionData) Decision
}

// Tunable deciders accept runtime parameter updates.
type Tunable interface {
	// SetParameter returns false if the key is unknown to the decider.
	SetParameter(key string, value float64) (bool, error)
}

// LaneCenter steers towards the center of the detected lane.
// Offsets are measured in image coordinates, positive steer turns right.
type LaneCenter struct {
	ImageWidth float64
	// assumed lane width at the image bottom if only one marker is visible
	LaneWidthPx float64
	// gain on the lateral offset of the lane center
	Kp float64
	// gain on the heading of the lane (top center vs. bottom center)
	Kh float64
	// relative offset above which the vehicle is considered departing
	DepartureThreshold float64
	// throttle reduction while departing
	DepartureThrottleCut float64
}

func NewLaneCenter(imageWidth int) *LaneCenter {
	return &LaneCenter{
		ImageWidth:           float64(imageWidth),
		LaneWidthPx:          float64(imageWidth) * 0.45,
		Kp:                   0.6,
		Kh:                   0.4,
		DepartureThreshold:   0.35,
		DepartureThrottleCut: 0.1,
	}
}

func (c *LaneCenter) Decide(d *model.DetectionData) Decision {
	if d == nil || !d.HasLanes() || c.ImageWidth <= 0 {
		return Decision{}
	}
	half := c.ImageWidth / 2
	var bottom, top float64
	switch {
	case d.Left != nil && d.Right != nil:
		bottom = float64(d.Left.X1+d.Right.X1) / 2
		top = float64(d.Left.X2+d.Right.X2) / 2
	case d.Left != nil:
		bottom = float64(d.Left.X1) + c.LaneWidthPx/2
		top = bottom
	default:
		bottom = float64(d.Right.X1) - c.LaneWidthPx/2
		top = bottom
	}
	offset := (bottom - half) / half
	heading := (top - bottom) / half
	ret := Decision{Steer: c.Kp*offset + c.Kh*heading}
	if math.Abs(offset) > c.DepartureThreshold {
		ret.ThrottleBias = -c.DepartureThrottleCut
	}
	return ret
}

// Offset returns the relative lateral offset of the lane center, used for
// verbose logging. ok is false without lane markers.
func (c *LaneCenter) Offset(d *model.DetectionData) (offset float64, ok bool) {
	if d == nil || !d.HasLanes() || c.ImageWidth <= 0 {
		return 0, false
	}
	half := c.ImageWidth / 2
	switch {
	case d.Left != nil && d.Right != nil:
		return (float64(d.Left.X1+d.Right.X1)/2 - half) / half, true
	case d.Left != nil:
		return (float64(d.Left.X1) + c.LaneWidthPx/2 - half) / half, true
	default:
		return (float64(d.Right.X1) - c.LaneWidthPx/2 - half) / half, true
	}
}

func (c *LaneCenter) SetParameter(key string, value float64) (bool, error) {
	var target *float64
	switch key {
	case "kp":
		target = &c.Kp
	case "kh":
		target = &c.Kh
	case "departure_threshold":
		target = &c.DepartureThreshold
	case "departure_throttle_cut":
		target = &c.DepartureThrottleCut
	case "lane_width_px":
		target = &c.LaneWidthPx
	default:
		return false, nil
	}
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return true, fmt.Errorf("%w: %s=%v", ErrInvalidValue, key, value)
	}
	*target = value
	return true, nil
}
