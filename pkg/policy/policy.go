// Package policy turns the outcome of a detection round trip into the
// control command of a tick.
package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"

	"github.com/skynet-lkas/lkas-sim/pkg/decision"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

var (
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrInvalidValue     = decision.ErrInvalidValue
)

// Parameter keys accepted by Policy.Apply
const (
	KeyBaseThrottle  = "base_throttle"
	KeyWarmupLimit   = "warmup_limit"
	KeyFallbackBrake = "fallback_brake"
	KeyMaxSteer      = "max_steer"
)

type Params struct {
	BaseThrottle  float64 `yaml:"base_throttle"`
	WarmupLimit   int     `yaml:"warmup_limit"`
	FallbackBrake float64 `yaml:"fallback_brake"`
	MaxSteer      float64 `yaml:"max_steer"`
}

func DefaultParams() Params {
	return Params{
		BaseThrottle:  0.3,
		WarmupLimit:   50,
		FallbackBrake: 0,
		MaxSteer:      1,
	}
}

func (p Params) Validate() error {
	switch {
	case p.BaseThrottle < 0 || p.BaseThrottle > 1:
		return fmt.Errorf("%w: %s=%v not in [0,1]", ErrInvalidValue, KeyBaseThrottle, p.BaseThrottle)
	case p.WarmupLimit < 0:
		return fmt.Errorf("%w: %s=%d is negative", ErrInvalidValue, KeyWarmupLimit, p.WarmupLimit)
	case p.FallbackBrake < 0 || p.FallbackBrake > 1:
		return fmt.Errorf("%w: %s=%v not in [0,1]", ErrInvalidValue, KeyFallbackBrake, p.FallbackBrake)
	case p.MaxSteer <= 0 || p.MaxSteer > 1:
		return fmt.Errorf("%w: %s=%v not in (0,1]", ErrInvalidValue, KeyMaxSteer, p.MaxSteer)
	}
	return nil
}

// WarmupState counts the ticks since start or the last respawn.
// Elapsed grows until it reaches Limit and then stays there.
type WarmupState struct {
	Elapsed int
	Limit   int
}

func (w *WarmupState) Done() bool {
	return w.Elapsed >= w.Limit
}

func (w *WarmupState) Advance() {
	if w.Elapsed < w.Limit {
		w.Elapsed++
	}
}

func (w *WarmupState) Reset() {
	w.Elapsed = 0
}

type Policy struct {
	params  Params
	decider decision.Decider
	// steer of the last command derived from a detection, used as fallback
	lastSafeSteer float64
}

func New(params Params, decider decision.Decider) *Policy {
	return &Policy{params: params, decider: decider}
}

func (p *Policy) Params() Params {
	return p.params
}

// Reset forgets the last safe steering value (used on respawn).
func (p *Policy) Reset() {
	p.lastSafeSteer = 0
}

// Decide computes the command for frameID. The result only depends on the
// arguments and the last safe steer. Warmup is advanced as a side effect.
//
//nolint:whitespace // editor/linter issue
func (p *Policy) Decide(
	w *WarmupState,
	outcome model.Outcome,
	det *model.DetectionData,
	frameID uint64,
) model.ControlCommand {
	if !w.Done() {
		w.Advance()
		return model.ControlCommand{
			Throttle:      p.params.BaseThrottle,
			SourceFrameID: frameID,
			IsFallback:    true,
			Reason:        model.ReasonWarmup,
		}.Clamp()
	}
	if outcome == model.OutcomeHit && det != nil && det.FrameID == frameID {
		d := p.decider.Decide(det)
		raw := model.ControlCommand{
			Throttle: p.params.BaseThrottle + d.ThrottleBias,
			Steer:    d.Steer,
			Brake:    d.BrakeBias,
		}
		if !raw.Finite() {
			// garbage from the detector must not reach the vehicle or lastSafeSteer
			return p.fallback(model.OutcomeInvalid, frameID)
		}
		steer := lo.Clamp(d.Steer, -p.params.MaxSteer, p.params.MaxSteer)
		p.lastSafeSteer = steer
		raw.Steer = steer
		raw.SourceFrameID = frameID
		return raw.Clamp()
	}
	return p.fallback(outcome, frameID)
}

func (p *Policy) fallback(outcome model.Outcome, frameID uint64) model.ControlCommand {
	reason := outcome.Reason()
	if reason == model.ReasonNone {
		reason = model.ReasonInvalid
	}
	return model.ControlCommand{
		Throttle:      p.params.BaseThrottle,
		Steer:         p.lastSafeSteer,
		Brake:         p.params.FallbackBrake,
		SourceFrameID: frameID,
		IsFallback:    true,
		Reason:        reason,
	}.Clamp()
}

// Apply changes a tunable. Keys unknown to the policy are forwarded to the
// decider if it is tunable.
func (p *Policy) Apply(u model.ParameterUpdate) error {
	if math.IsNaN(u.Value) || math.IsInf(u.Value, 0) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, u.Key, u.Value)
	}
	next := p.params
	switch u.Key {
	case KeyBaseThrottle:
		next.BaseThrottle = u.Value
	case KeyWarmupLimit:
		if u.Value != math.Trunc(u.Value) {
			return fmt.Errorf("%w: %s=%v is not an integer", ErrInvalidValue, u.Key, u.Value)
		}
		next.WarmupLimit = int(u.Value)
	case KeyFallbackBrake:
		next.FallbackBrake = u.Value
	case KeyMaxSteer:
		next.MaxSteer = u.Value
	default:
		if t, ok := p.decider.(decision.Tunable); ok {
			handled, err := t.SetParameter(u.Key, u.Value)
			if err != nil {
				return err
			}
			if handled {
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownParameter, u.Key)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	p.params = next
	return nil
}
