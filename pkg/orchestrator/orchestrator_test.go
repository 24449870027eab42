//nolint:funlen // ok for tests
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/decision"
	"github.com/skynet-lkas/lkas-sim/pkg/detector"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/policy"
	"github.com/skynet-lkas/lkas-sim/pkg/shm"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
	"github.com/skynet-lkas/lkas-sim/pkg/sim/synthetic"
	"github.com/skynet-lkas/lkas-sim/pkg/telemetry"
)

type fakeSim struct {
	mu       sync.Mutex
	applied  []model.ControlCommand
	ticks    int
	spawns   []int
	frames   int
	closed   bool
	frameErr error
}

var _ sim.Simulator = (*fakeSim)(nil)

func (f *fakeSim) Connect(context.Context) error { return nil }

func (f *fakeSim) Camera() sim.Camera { return sim.Camera{Width: 8, Height: 4, Channels: 1} }

func (f *fakeSim) SetSynchronous(context.Context, bool, time.Duration) error { return nil }

func (f *fakeSim) SetAutopilot(context.Context, bool) error { return nil }

func (f *fakeSim) Spawn(_ context.Context, spawnPoint int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns = append(f.spawns, spawnPoint)
	return nil
}

func (f *fakeSim) Frame(context.Context) (*model.FrameData, model.VehicleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frameErr != nil {
		return nil, model.VehicleState{}, f.frameErr
	}
	f.frames++
	return &model.FrameData{
		Timestamp: time.Now(),
		Width:     8,
		Height:    4,
		Channels:  1,
		Pixels:    make([]byte, 32),
	}, model.VehicleState{Tick: time.Now()}, nil
}

func (f *fakeSim) Apply(_ context.Context, cmd model.ControlCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, cmd)
	return nil
}

func (f *fakeSim) Tick(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	return nil
}

func (f *fakeSim) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSim) counts() (applied, ticks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied), f.ticks
}

// fixedDecider always steers by the same amount
type fixedDecider struct{ steer float64 }

func (d fixedDecider) Decide(*model.DetectionData) decision.Decision {
	return decision.Decision{Steer: d.steer}
}

// fakeSubscriber delivers messages synchronously through deliver.
type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[model.Topic]bus.Handler
	unsubs   int
}

type fakeSubscription struct{ s *fakeSubscriber }

func (s fakeSubscription) Unsubscribe() error {
	s.s.mu.Lock()
	defer s.s.mu.Unlock()
	s.s.unsubs++
	return nil
}

func (s *fakeSubscriber) Subscribe(topic model.Topic, h bus.Handler) (bus.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = map[model.Topic]bus.Handler{}
	}
	s.handlers[topic] = h
	return fakeSubscription{s}, nil
}

func (s *fakeSubscriber) deliver(topic model.Topic, data []byte) {
	s.mu.Lock()
	h := s.handlers[topic]
	s.mu.Unlock()
	h(&bus.Message{Topic: topic, Data: data})
}

func (s *fakeSubscriber) action(t model.ActionType, payload map[string]any) {
	ev := model.ActionEvent{Type: t, Payload: payload}
	s.deliver(model.TopicAction, ev.Encode())
}

func (s *fakeSubscriber) param(key string, value float64) {
	u := model.ParameterUpdate{Key: key, Value: value}
	s.deliver(model.TopicParameter, u.Encode())
}

type recordingTelemetry struct {
	mu     sync.Mutex
	ticks  []model.VehicleState
	status []telemetry.Status
}

func (r *recordingTelemetry) PublishTick(_ *model.FrameData, _ *model.DetectionData, s *model.VehicleState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, *s)
}

func (r *recordingTelemetry) PublishStatus(s telemetry.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, s)
}

func (r *recordingTelemetry) Stats() telemetry.Stats { return telemetry.Stats{} }

// startEchoDetector answers every frame on the shm channel with a valid
// detection for the same frame id.
func startEchoDetector(t *testing.T, cfg Config) {
	t.Helper()
	fr, err := shm.NewFrameReader(cfg.ShmDir, cfg.ImageShmName)
	require.NoError(t, err)
	dw, err := shm.NewDetectionWriter(cfg.ShmDir, cfg.DetectionShmName)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		var last uint64
		for ctx.Err() == nil {
			if id := fr.LatestID(); id != last {
				last = id
				d := model.DetectionData{
					FrameID:    id,
					Timestamp:  time.Now(),
					Valid:      true,
					Confidence: 1,
					Left:       &model.LaneLine{X1: 1, Y1: 4, X2: 2, Y2: 0, Confidence: 1},
					Right:      &model.LaneLine{X1: 7, Y1: 4, X2: 6, Y2: 0, Confidence: 1},
				}
				if err := dw.WriteDetection(&d); err != nil {
					t.Errorf("write detection: %v", err)
					return
				}
			}
			time.Sleep(50 * time.Microsecond)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		fr.Close()
		dw.Close()
	})
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ShmDir = t.TempDir()
	cfg.PauseInterval = time.Millisecond
	cfg.PollInterval = 50 * time.Microsecond
	return cfg
}

type fixture struct {
	o   *Orchestrator
	sim *fakeSim
	sub *fakeSubscriber
	tel *recordingTelemetry
}

func setup(t *testing.T, cfg Config, withDetector bool) *fixture {
	t.Helper()
	f := &fixture{sim: &fakeSim{}, sub: &fakeSubscriber{}, tel: &recordingTelemetry{}}
	o, err := New(cfg, f.sim,
		WithSubscriber(f.sub),
		WithTelemetry(f.tel),
		WithDecider(fixedDecider{steer: 0.2}))
	require.NoError(t, err)
	require.NoError(t, o.Setup(context.Background()))
	t.Cleanup(o.release)
	if withDetector {
		startEchoDetector(t, cfg)
	}
	f.o = o
	return f
}

func (f *fixture) steps(t *testing.T, n int) []model.ControlCommand {
	t.Helper()
	before, _ := f.sim.counts()
	for range n {
		done, err := f.o.Step(context.Background())
		require.NoError(t, err)
		require.False(t, done)
	}
	f.sim.mu.Lock()
	defer f.sim.mu.Unlock()
	return append([]model.ControlCommand(nil), f.sim.applied[before:]...)
}

func TestWarmupThenDecision(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.BaseThrottle = 0.3
	cfg.Policy.WarmupLimit = 50
	f := setup(t, cfg, true)

	cmds := f.steps(t, 60)
	for i, cmd := range cmds[:50] {
		assert.True(t, cmd.IsFallback, "tick %d", i+1)
		assert.Equal(t, model.ReasonWarmup, cmd.Reason, "tick %d", i+1)
		assert.InDelta(t, 0.3, cmd.Throttle, 1e-9)
		assert.Zero(t, cmd.Steer)
		assert.Zero(t, cmd.Brake)
	}
	for i, cmd := range cmds[50:] {
		assert.False(t, cmd.IsFallback, "tick %d reason %s", i+51, cmd.Reason)
		assert.InDelta(t, 0.2, cmd.Steer, 1e-9)
	}
	warmup := f.o.Warmup()
	assert.True(t, warmup.Done())
}

func TestSourceFrameIDMatchesFrame(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.WarmupLimit = 2
	f := setup(t, cfg, true)

	cmds := f.steps(t, 10)
	for i, cmd := range cmds {
		assert.Equal(t, uint64(i+1), cmd.SourceFrameID)
	}
	f.tel.mu.Lock()
	for i, s := range f.tel.ticks {
		assert.Equal(t, uint64(i+1), s.FrameID)
		assert.Equal(t, s.FrameID, s.Command.SourceFrameID)
	}
	f.tel.mu.Unlock()

	cr, err := shm.NewControlReader(cfg.ShmDir, cfg.ControlShmName)
	require.NoError(t, err)
	defer cr.Close()
	rec, err := cr.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rec.Command.SourceFrameID)
	assert.Equal(t, model.StateRunning, rec.RunState)
	_, ticks := f.sim.counts()
	assert.Equal(t, 10, ticks)
}

func TestNeverRespondingDetector(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.WarmupLimit = 0
	cfg.Policy.FallbackBrake = 0.1
	cfg.DetectorTimeout = 5 * time.Millisecond
	f := setup(t, cfg, false)

	start := time.Now()
	cmds := f.steps(t, 10)
	assert.Less(t, time.Since(start), 2*time.Second)
	for _, cmd := range cmds {
		assert.True(t, cmd.IsFallback)
		assert.Equal(t, model.ReasonTimeout, cmd.Reason)
		assert.InDelta(t, cfg.Policy.BaseThrottle, cmd.Throttle, 1e-9)
		assert.InDelta(t, 0.1, cmd.Brake, 1e-9)
		assert.Zero(t, cmd.Steer)
	}
	assert.Equal(t, uint64(10), f.o.Stats().Timeouts)
	assert.Equal(t, uint64(10), f.o.Stats().Fallbacks)
}

func TestRespawnRestartsWarmup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.WarmupLimit = 50
	f := setup(t, cfg, true)

	cmds := f.steps(t, 100)
	assert.False(t, cmds[99].IsFallback)

	f.sub.action(model.ActionRespawn, map[string]any{"spawn_point": 3})
	cmds = f.steps(t, 51)
	for i, cmd := range cmds[:50] {
		assert.Equal(t, model.ReasonWarmup, cmd.Reason, "tick %d", i+101)
	}
	assert.False(t, cmds[50].IsFallback)
	assert.Equal(t, []int{0, 3}, f.sim.spawns)
	assert.Equal(t, model.StateRunning, f.o.State())
}

func TestPauseResume(t *testing.T) {
	cfg := testConfig(t)
	f := setup(t, cfg, true)
	f.steps(t, 5)

	f.sub.action(model.ActionPause, nil)
	for range 10 {
		done, err := f.o.Step(context.Background())
		require.NoError(t, err)
		require.False(t, done)
	}
	applied, ticks := f.sim.counts()
	assert.Equal(t, 5, applied)
	assert.Equal(t, 5, ticks)
	assert.Equal(t, model.StatePaused, f.o.State())

	// a second pause is ignored
	f.sub.action(model.ActionPause, nil)
	f.steps(t, 1)
	applied, _ = f.sim.counts()
	assert.Equal(t, 5, applied)

	f.sub.action(model.ActionResume, nil)
	cmds := f.steps(t, 3)
	require.Len(t, cmds, 3)
	assert.Equal(t, uint64(6), cmds[0].SourceFrameID)
	assert.Equal(t, model.StateRunning, f.o.State())

	f.tel.mu.Lock()
	defer f.tel.mu.Unlock()
	paused := 0
	for _, s := range f.tel.status {
		if s.State == model.StatePaused {
			paused++
		}
	}
	assert.Positive(t, paused)
}

func TestParameterUpdate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.WarmupLimit = 5
	f := setup(t, cfg, true)

	f.sub.param("base_throttle", 0.5)
	f.sub.param("base_throttle", 7)
	f.sub.param("no_such_key", 1)
	cmds := f.steps(t, 1)
	assert.InDelta(t, 0.5, cmds[0].Throttle, 1e-9)
	assert.Equal(t, uint64(2), f.o.Stats().ParamErrors)

	f.sub.param("warmup_limit", 1)
	cmds = f.steps(t, 1)
	assert.False(t, cmds[0].IsFallback)
	assert.Equal(t, 1, f.o.Warmup().Limit)
}

func TestWarmupLimitRaisedAfterWarmup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.WarmupLimit = 2
	f := setup(t, cfg, true)

	cmds := f.steps(t, 3)
	require.False(t, cmds[2].IsFallback)

	f.sub.param("warmup_limit", 5)
	cmds = f.steps(t, 3)
	for _, cmd := range cmds {
		assert.False(t, cmd.IsFallback)
	}
	assert.Equal(t, policy.WarmupState{Elapsed: 2, Limit: 2}, f.o.Warmup())

	f.sub.action(model.ActionRespawn, nil)
	cmds = f.steps(t, 6)
	for i, cmd := range cmds[:5] {
		assert.Equal(t, model.ReasonWarmup, cmd.Reason, "tick %d", i)
	}
	assert.False(t, cmds[5].IsFallback)
	assert.Equal(t, policy.WarmupState{Elapsed: 5, Limit: 5}, f.o.Warmup())
}

func TestQuitReleasesResources(t *testing.T) {
	cfg := testConfig(t)
	f := setup(t, cfg, true)
	f.steps(t, 3)

	f.sub.action(model.ActionQuit, nil)
	require.NoError(t, f.o.Run(context.Background()))

	assert.True(t, f.sim.closed)
	assert.Equal(t, 2, f.sub.unsubs)
	applied, _ := f.sim.counts()
	assert.Equal(t, 3, applied)

	// writer locks are gone
	fw, err := shm.NewFrameWriter(cfg.ShmDir, cfg.ImageShmName, 8, 4, 1)
	require.NoError(t, err)
	defer fw.Close()
	cw, err := shm.NewControlWriter(cfg.ShmDir, cfg.ControlShmName)
	require.NoError(t, err)
	defer cw.Close()
	// frame ids survive the restart
	assert.Equal(t, uint64(3), fw.Region().FrameID())
}

func TestFrameIDsContinueAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	fw, err := shm.NewFrameWriter(cfg.ShmDir, cfg.ImageShmName, 8, 4, 1)
	require.NoError(t, err)
	require.NoError(t, fw.WriteFrame(&model.FrameData{
		FrameID: 41, Width: 8, Height: 4, Channels: 1, Pixels: make([]byte, 32),
	}))
	require.NoError(t, fw.Close())

	f := setup(t, cfg, true)
	cmds := f.steps(t, 2)
	assert.Equal(t, uint64(42), cmds[0].SourceFrameID)
	assert.Equal(t, uint64(43), cmds[1].SourceFrameID)
}

func TestSetup_WriterExists(t *testing.T) {
	cfg := testConfig(t)
	fw, err := shm.NewFrameWriter(cfg.ShmDir, cfg.ImageShmName, 8, 4, 1)
	require.NoError(t, err)
	defer fw.Close()

	s := &fakeSim{}
	o, err := New(cfg, s)
	require.NoError(t, err)
	err = o.Setup(context.Background())
	require.ErrorIs(t, err, shm.ErrWriterExists)
	assert.True(t, s.closed)
}

func TestSimulatorLost(t *testing.T) {
	cfg := testConfig(t)
	f := setup(t, cfg, true)
	f.steps(t, 1)

	f.sim.mu.Lock()
	f.sim.frameErr = sim.ErrSimulatorLost
	f.sim.mu.Unlock()
	err := f.o.Run(context.Background())
	require.ErrorIs(t, err, sim.ErrSimulatorLost)
	assert.True(t, f.sim.closed)
}

func TestSimulatorErrorsEscalate(t *testing.T) {
	cfg := testConfig(t)
	f := setup(t, cfg, true)

	f.sim.mu.Lock()
	f.sim.frameErr = errors.New("no frame")
	f.sim.mu.Unlock()
	for range maxSimErrors - 1 {
		_, err := f.o.Step(context.Background())
		require.NoError(t, err)
	}
	_, err := f.o.Step(context.Background())
	require.ErrorIs(t, err, sim.ErrSimulatorLost)
	assert.Equal(t, uint64(maxSimErrors), f.o.Stats().SimErrors)
	assert.Zero(t, f.o.Stats().Ticks)
}

func TestRun_MaxTicksAndCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxTicks = 7
	f := setup(t, cfg, true)
	require.NoError(t, f.o.Run(context.Background()))
	applied, _ := f.sim.counts()
	assert.Equal(t, 7, applied)

	cfg = testConfig(t)
	g := setup(t, cfg, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, g.o.Run(ctx))
	assert.True(t, g.sim.closed)
}

// The synthetic simulator and the scanning detector close the loop over
// real shared memory.
func TestSyntheticClosedLoop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.WarmupLimit = 5
	cfg.MaxTicks = 30
	s := synthetic.New(synthetic.WithCamera(sim.Camera{Width: 320, Height: 240, Channels: 4}))
	o, err := New(cfg, s)
	require.NoError(t, err)
	require.NoError(t, o.Setup(context.Background()))

	fr, err := shm.NewFrameReader(cfg.ShmDir, cfg.ImageShmName)
	require.NoError(t, err)
	defer fr.Close()
	dw, err := shm.NewDetectionWriter(cfg.ShmDir, cfg.DetectionShmName)
	require.NoError(t, err)
	defer dw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := detector.NewRunner(fr, dw, detector.WithPollInterval(100*time.Microsecond))
	go func() { _ = runner.Run(ctx) }()

	require.NoError(t, o.Run(context.Background()))
	stats := o.Stats()
	assert.Equal(t, uint64(30), stats.Ticks)
	assert.Positive(t, stats.Hits)
	assert.Less(t, stats.Fallbacks, uint64(30))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mod     func(c *Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty name", func(c *Config) { c.ImageShmName = "" }, true},
		{"same names", func(c *Config) { c.ControlShmName = c.ImageShmName }, true},
		{"negative timeout", func(c *Config) { c.DetectorTimeout = -1 }, true},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, true},
		{"bad policy", func(c *Config) { c.Policy.BaseThrottle = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mod(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
