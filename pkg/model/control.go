package model

import (
	"math"

	"github.com/samber/lo"
)

// FallbackReason tells why a command did not come from the decision function.
type FallbackReason string

const (
	ReasonNone    FallbackReason = ""
	ReasonWarmup  FallbackReason = "warmup"
	ReasonTimeout FallbackReason = "timeout"
	ReasonStale   FallbackReason = "stale"
	ReasonInvalid FallbackReason = "invalid"
)

// ControlCommand is applied to the vehicle once per tick.
type ControlCommand struct {
	Throttle      float64
	Steer         float64
	Brake         float64
	SourceFrameID uint64
	IsFallback    bool
	Reason        FallbackReason
}

// Clamp returns c with every actuator value limited to its valid range.
// NaN or infinite values become 0.
func (c ControlCommand) Clamp() ControlCommand {
	c.Throttle = lo.Clamp(finiteOrZero(c.Throttle), 0, 1)
	c.Steer = lo.Clamp(finiteOrZero(c.Steer), -1, 1)
	c.Brake = lo.Clamp(finiteOrZero(c.Brake), 0, 1)
	return c
}

// Finite reports whether all actuator values are neither NaN nor infinite.
func (c ControlCommand) Finite() bool {
	return isFinite(c.Throttle) && isFinite(c.Steer) && isFinite(c.Brake)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOrZero(v float64) float64 {
	if !isFinite(v) {
		return 0
	}
	return v
}

func (c *ControlCommand) ToMap() map[string]any {
	return map[string]any{
		"throttle":        c.Throttle,
		"steer":           c.Steer,
		"brake":           c.Brake,
		"source_frame_id": int64(c.SourceFrameID),
		"is_fallback":     c.IsFallback,
		"reason":          string(c.Reason),
	}
}
