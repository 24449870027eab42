// Package sim defines the contract the orchestrator needs from a driving
// simulator.
package sim

import (
	"context"
	"errors"
	"time"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// ErrSimulatorLost is returned once the connection to the simulator is gone.
// It ends the tick loop.
var ErrSimulatorLost = errors.New("simulator connection lost")

// Camera describes the frames a simulator delivers.
type Camera struct {
	Width    int
	Height   int
	Channels int
}

type Simulator interface {
	Connect(ctx context.Context) error
	Camera() Camera
	// SetSynchronous switches lockstep mode. In lockstep mode the world only
	// advances on Tick.
	SetSynchronous(ctx context.Context, enabled bool, fixedDelta time.Duration) error
	SetAutopilot(ctx context.Context, enabled bool) error
	// Spawn places the vehicle at the given spawn point (also used to respawn).
	Spawn(ctx context.Context, spawnPoint int) error
	// Frame returns the current camera image and vehicle state. FrameID is
	// not set, ids are owned by the caller.
	Frame(ctx context.Context) (*model.FrameData, model.VehicleState, error)
	Apply(ctx context.Context, cmd model.ControlCommand) error
	Tick(ctx context.Context) error
	Close() error
}
