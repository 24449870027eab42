// Package synthetic is an in-process stand-in for a driving simulator:
// a kinematic bicycle model on a straight two-marker road with a simple
// pinhole camera rendering.
package synthetic

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
)

const (
	wheelBase     = 2.8               // m
	maxSteerAngle = 35 * math.Pi / 180 // rad at steer=1
	maxAccel      = 4.0               // m/s² at throttle=1
	maxDecel      = 8.0               // m/s² at brake=1
	drag          = 0.1               // 1/s
	laneWidth     = 3.5               // m
	markerWidth   = 0.15              // m
	cameraHeight  = 1.5               // m
)

type (
	Simulator struct {
		mu          sync.Mutex
		camera      sim.Camera
		spawnPoints []SpawnPoint
		l           *log.Logger

		connected  bool
		sync       bool
		fixedDelta time.Duration
		autopilot  bool
		clock      time.Time
		lastWall   time.Time

		x, y, yaw, v float64
		cmd          model.ControlCommand
	}
	Option func(*Simulator)

	// SpawnPoint is a lateral offset (m, positive left) and heading (rad)
	// relative to the lane center.
	SpawnPoint struct {
		Offset  float64
		Heading float64
	}
)

var _ sim.Simulator = (*Simulator)(nil)

// DefaultSpawnPoints start centered, then with some offset and heading to
// give the controller something to do.
var DefaultSpawnPoints = []SpawnPoint{
	{0, 0},
	{0.5, 0},
	{-0.5, 0},
	{0.3, 0.05},
	{-0.3, -0.05},
}

func New(opts ...Option) *Simulator {
	ret := &Simulator{
		camera:      sim.Camera{Width: 800, Height: 600, Channels: 4},
		spawnPoints: DefaultSpawnPoints,
		fixedDelta:  50 * time.Millisecond,
		l:           log.Default().Named("sim.synthetic"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func WithCamera(c sim.Camera) Option {
	return func(s *Simulator) {
		s.camera = c
	}
}

func WithSpawnPoints(points ...SpawnPoint) Option {
	return func(s *Simulator) {
		s.spawnPoints = points
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Simulator) {
		s.l = l
	}
}

func (s *Simulator) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.clock = time.Now()
	s.lastWall = s.clock
	return nil
}

func (s *Simulator) Camera() sim.Camera {
	return s.camera
}

//nolint:whitespace // editor/linter issue
func (s *Simulator) SetSynchronous(
	ctx context.Context,
	enabled bool,
	fixedDelta time.Duration,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return sim.ErrSimulatorLost
	}
	s.sync = enabled
	if fixedDelta > 0 {
		s.fixedDelta = fixedDelta
	}
	s.lastWall = time.Now()
	return nil
}

func (s *Simulator) SetAutopilot(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return sim.ErrSimulatorLost
	}
	s.autopilot = enabled
	return nil
}

func (s *Simulator) Spawn(ctx context.Context, spawnPoint int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return sim.ErrSimulatorLost
	}
	sp := SpawnPoint{}
	if len(s.spawnPoints) > 0 {
		sp = s.spawnPoints[((spawnPoint%len(s.spawnPoints))+len(s.spawnPoints))%len(s.spawnPoints)]
	}
	s.x, s.y, s.yaw, s.v = 0, sp.Offset, sp.Heading, 0
	s.cmd = model.ControlCommand{}
	s.l.Debug("spawned", log.Int("spawnPoint", spawnPoint),
		log.Float64("offset", sp.Offset), log.Float64("heading", sp.Heading))
	return nil
}

//nolint:whitespace // editor/linter issue
func (s *Simulator) Frame(ctx context.Context) (
	*model.FrameData, model.VehicleState, error,
) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, model.VehicleState{}, sim.ErrSimulatorLost
	}
	if !s.sync {
		now := time.Now()
		s.step(lo.Clamp(now.Sub(s.lastWall), 0, 200*time.Millisecond))
		s.lastWall = now
	}
	frame := &model.FrameData{
		Timestamp: s.clock,
		Width:     s.camera.Width,
		Height:    s.camera.Height,
		Channels:  s.camera.Channels,
	}
	frame.Pixels = s.render()
	return frame, s.state(), nil
}

func (s *Simulator) Apply(ctx context.Context, cmd model.ControlCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return sim.ErrSimulatorLost
	}
	if !s.autopilot {
		s.cmd = cmd.Clamp()
	}
	return nil
}

func (s *Simulator) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return sim.ErrSimulatorLost
	}
	s.step(s.fixedDelta)
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Pose returns lateral offset (m) and heading (rad) relative to the lane.
func (s *Simulator) Pose() (offset, heading float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.y, s.yaw
}

func (s *Simulator) step(d time.Duration) {
	dt := d.Seconds()
	cmd := s.cmd
	if s.autopilot {
		// steer back to the lane center
		cmd = model.ControlCommand{
			Throttle: 0.3,
			Steer:    lo.Clamp(0.5*s.y+1.5*s.yaw, -1, 1),
		}
	}
	accel := cmd.Throttle*maxAccel - drag*s.v
	if s.v > 0 {
		accel -= cmd.Brake * maxDecel
	}
	s.v = math.Max(0, s.v+accel*dt)
	// positive steer turns right, positive yaw is to the left
	s.yaw -= s.v / wheelBase * math.Tan(cmd.Steer*maxSteerAngle) * dt
	s.x += s.v * math.Cos(s.yaw) * dt
	s.y += s.v * math.Sin(s.yaw) * dt
	s.clock = s.clock.Add(d)
}

func (s *Simulator) state() model.VehicleState {
	return model.VehicleState{
		Pose: model.VehiclePose{
			Location: model.Vector3{X: s.x, Y: s.y},
			Yaw:      s.yaw * 180 / math.Pi,
		},
		Velocity: model.Vector3{X: s.v * math.Cos(s.yaw), Y: s.v * math.Sin(s.yaw)},
		Command:  s.cmd,
		Tick:     s.clock,
	}
}

// render draws the road as seen by a forward camera: dark asphalt below
// the horizon, sky above and two white lane markers.
func (s *Simulator) render() []byte {
	w, h, c := s.camera.Width, s.camera.Height, s.camera.Channels
	pix := make([]byte, w*h*c)
	horizon := h / 2
	focal := float64(w) / 2
	cx := float64(w) / 2
	set := func(px, py int, v byte) {
		off := (py*w + px) * c
		for i := 0; i < c && i < 3; i++ {
			pix[off+i] = v
		}
		if c == 4 {
			pix[off+3] = 0xff
		}
	}
	cosY, sinY := math.Cos(s.yaw), math.Sin(s.yaw)
	for py := 0; py < h; py++ {
		if py <= horizon {
			for px := 0; px < w; px++ {
				set(px, py, 0xb0)
			}
			continue
		}
		// distance ahead seen by this row
		d := cameraHeight * focal / float64(py-horizon)
		for px := 0; px < w; px++ {
			set(px, py, 0x40)
		}
		for _, lineY := range []float64{laneWidth / 2, -laneWidth / 2} {
			rel := (lineY-s.y)*cosY - d*sinY
			center := cx - rel*focal/d
			half := math.Max(1, markerWidth/2*focal/d)
			from := int(math.Max(0, center-half))
			to := int(math.Min(float64(w-1), center+half))
			for px := from; px <= to; px++ {
				set(px, py, 0xf0)
			}
		}
	}
	return pix
}
