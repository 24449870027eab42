package model

import (
	"math"
	"time"
)

type Vector3 struct {
	X, Y, Z float64
}

func (v Vector3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// VehiclePose is the vehicle position in world coordinates (meters) and its
// heading in degrees.
type VehiclePose struct {
	Location Vector3
	Yaw      float64
}

// VehicleState is the snapshot published after a command was applied.
type VehicleState struct {
	FrameID  uint64
	Pose     VehiclePose
	Velocity Vector3
	Command  ControlCommand
	Tick     time.Time
	Paused   bool
}

// Speed in m/s
func (s *VehicleState) Speed() float64 {
	return s.Velocity.Length()
}

func (s *VehicleState) ToMap() map[string]any {
	return map[string]any{
		"frame_id": int64(s.FrameID),
		"position": map[string]any{
			"x": s.Pose.Location.X,
			"y": s.Pose.Location.Y,
			"z": s.Pose.Location.Z,
		},
		"heading":   s.Pose.Yaw,
		"velocity":  map[string]any{"x": s.Velocity.X, "y": s.Velocity.Y, "z": s.Velocity.Z},
		"speed_kmh": s.Speed() * 3.6,
		"control":   s.Command.ToMap(),
		"timestamp": Seconds(s.Tick),
		"paused":    s.Paused,
	}
}

// RunState of the tick loop, driven by operator actions.
type RunState string

const (
	StateRunning     RunState = "running"
	StatePaused      RunState = "paused"
	StateTerminating RunState = "terminating"
)

// Outcome of a detection round trip.
type Outcome int

const (
	OutcomeHit Outcome = iota
	OutcomeTimeout
	OutcomeStale
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeStale:
		return "stale"
	case OutcomeInvalid:
		return "invalid"
	}
	return "unknown"
}

// Reason maps a missed round trip to the fallback reason of the command.
func (o Outcome) Reason() FallbackReason {
	switch o {
	case OutcomeTimeout:
		return ReasonTimeout
	case OutcomeStale:
		return ReasonStale
	case OutcomeInvalid:
		return ReasonInvalid
	default:
		return ReasonNone
	}
}
