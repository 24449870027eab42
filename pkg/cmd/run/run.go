// Package run provides the command running the tick orchestrator.
package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/bus/local"
	"github.com/skynet-lkas/lkas-sim/pkg/bus/natsbus"
	"github.com/skynet-lkas/lkas-sim/pkg/cmd/util"
	"github.com/skynet-lkas/lkas-sim/pkg/config"
	"github.com/skynet-lkas/lkas-sim/pkg/metrics"
	"github.com/skynet-lkas/lkas-sim/pkg/orchestrator"
	"github.com/skynet-lkas/lkas-sim/pkg/policy"
	"github.com/skynet-lkas/lkas-sim/pkg/roundtrip"
	"github.com/skynet-lkas/lkas-sim/pkg/shm"
	"github.com/skynet-lkas/lkas-sim/pkg/sim"
	"github.com/skynet-lkas/lkas-sim/pkg/sim/natsbridge"
	"github.com/skynet-lkas/lkas-sim/pkg/sim/synthetic"
	"github.com/skynet-lkas/lkas-sim/pkg/telemetry"
)

var ErrUnsupportedCombination = errors.New("unsupported option combination")

//nolint:funlen // flag definitions
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "runs the lane keeping loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator()
		},
	}
	cmd.Flags().StringVar(&config.Simulator,
		"simulator",
		"bridge",
		"simulator to drive (bridge, synthetic)")
	cmd.Flags().StringVar(&config.SimHost,
		"sim-host",
		"localhost",
		"host of the simulator")
	cmd.Flags().IntVar(&config.SimPort,
		"sim-port",
		2000,
		"port of the simulator")
	cmd.Flags().StringVar(&config.SimTimeout,
		"sim-timeout",
		"2s",
		"timeout of a single simulator request")
	cmd.Flags().IntVar(&config.SpawnPoint,
		"spawn-point",
		0,
		"spawn point of the vehicle")
	cmd.Flags().BoolVar(&config.Autopilot,
		"autopilot",
		false,
		"let the simulator drive the vehicle")
	cmd.Flags().BoolVar(&config.NoSync,
		"no-sync",
		false,
		"disable synchronous simulation mode")
	cmd.Flags().StringVar(&config.FixedDelta,
		"fixed-delta",
		"50ms",
		"simulation step in synchronous mode")
	cmd.Flags().IntVar(&config.CameraWidth,
		"camera-width",
		800,
		"camera width (synthetic simulator)")
	cmd.Flags().IntVar(&config.CameraHeight,
		"camera-height",
		600,
		"camera height (synthetic simulator)")
	cmd.Flags().StringVar(&config.ShmDir,
		"shm-dir",
		shm.DefaultDir,
		"directory of the shared memory regions")
	cmd.Flags().StringVar(&config.ImageShmName,
		"image-shm-name",
		"lkas_image",
		"name of the frame region")
	cmd.Flags().StringVar(&config.DetectionShmName,
		"detection-shm-name",
		"lkas_detection",
		"name of the detection region")
	cmd.Flags().StringVar(&config.ControlShmName,
		"control-shm-name",
		"lkas_control",
		"name of the control region")
	cmd.Flags().BoolVar(&config.UnlinkOnExit,
		"unlink-on-exit",
		false,
		"remove the regions written by this process on exit")
	cmd.Flags().IntVar(&config.DetectorTimeout,
		"detector-timeout",
		1000,
		"max time in ms to wait for a detection")
	cmd.Flags().StringVar(&config.DetectorPoll,
		"detector-poll",
		"500us",
		"poll interval while waiting for a detection")
	cmd.Flags().Float64Var(&config.BaseThrottle,
		"base-throttle",
		0.3,
		"throttle applied while the lanes are tracked")
	cmd.Flags().IntVar(&config.WarmupFrames,
		"warmup-frames",
		50,
		"number of ticks driving straight before the policy takes over")
	cmd.Flags().Float64Var(&config.FallbackBrake,
		"fallback-brake",
		0,
		"brake applied when no valid detection is available")
	cmd.Flags().Float64Var(&config.MaxSteer,
		"max-steer",
		1,
		"max absolute steering value")
	cmd.Flags().BoolVar(&config.Broadcast,
		"broadcast",
		true,
		"publish telemetry")
	cmd.Flags().BoolVar(&config.RawFrames,
		"raw-frames",
		false,
		"publish raw pixels instead of jpeg")
	cmd.Flags().IntVar(&config.JPEGQuality,
		"jpeg-quality",
		75,
		"jpeg quality of published frames")
	cmd.Flags().StringVar(&config.PauseInterval,
		"pause-interval",
		"50ms",
		"sleep between polls while paused")
	cmd.Flags().IntVar(&config.MaxTicks,
		"max-ticks",
		0,
		"stop after this many ticks (0: run until quit)")
	cmd.Flags().BoolVar(&config.Latency,
		"latency",
		false,
		"track per stage latency and log a summary on exit")
	cmd.Flags().BoolVar(&config.Verbose,
		"verbose",
		false,
		"log lane status and steering per tick")
	cmd.Flags().BoolVar(&config.WatchConfig,
		"watch-config",
		false,
		"apply tunables from the config file when it changes")
	return cmd
}

// buildConfig turns the resolved flag values into the orchestrator config.
func buildConfig() (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	cfg.SpawnPoint = config.SpawnPoint
	cfg.Synchronous = !config.NoSync
	cfg.FixedDelta = config.ParseDuration(config.FixedDelta, cfg.FixedDelta)
	cfg.Autopilot = config.Autopilot
	cfg.ShmDir = config.ShmDir
	cfg.ImageShmName = config.ImageShmName
	cfg.DetectionShmName = config.DetectionShmName
	cfg.ControlShmName = config.ControlShmName
	cfg.UnlinkOnExit = config.UnlinkOnExit
	cfg.DetectorTimeout = time.Duration(config.DetectorTimeout) * time.Millisecond
	cfg.PollInterval = config.ParseDuration(config.DetectorPoll, cfg.PollInterval)
	cfg.Policy = policy.Params{
		BaseThrottle:  config.BaseThrottle,
		WarmupLimit:   config.WarmupFrames,
		FallbackBrake: config.FallbackBrake,
		MaxSteer:      config.MaxSteer,
	}
	cfg.PauseInterval = config.ParseDuration(config.PauseInterval, cfg.PauseInterval)
	if config.MaxTicks > 0 {
		cfg.MaxTicks = uint64(config.MaxTicks)
	}
	cfg.Latency = config.Latency
	cfg.Verbose = config.Verbose
	return cfg, cfg.Validate()
}

type transport struct {
	bus  bus.Bus
	nats *natsbus.Bus
}

func setupTransport(ctx context.Context) (*transport, error) {
	switch config.Transport {
	case "local":
		return &transport{bus: local.New(local.WithLogger(log.Default().Named("bus.local")))}, nil
	case "nats", "":
		opts := []natsbus.Option{}
		if config.StatusBucket != "" {
			opts = append(opts, natsbus.WithStatusBucket(config.StatusBucket, time.Hour))
		}
		b, err := util.ConnectNats(ctx, "lkas-sim-orchestrator", opts...)
		if err != nil {
			return nil, err
		}
		return &transport{bus: b, nats: b}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", config.Transport)
	}
}

func setupSimulator(t *transport) (sim.Simulator, error) {
	switch config.Simulator {
	case "synthetic":
		return synthetic.New(
			synthetic.WithCamera(sim.Camera{
				Width:    config.CameraWidth,
				Height:   config.CameraHeight,
				Channels: 4,
			}),
			synthetic.WithLogger(log.Default().Named("sim.synthetic"))), nil
	case "bridge":
		if t.nats == nil {
			return nil, fmt.Errorf("%w: simulator bridge requires the nats transport",
				ErrUnsupportedCombination)
		}
		return natsbridge.NewClient(t.nats.Conn(),
			natsbridge.WithPrefix(config.TopicPrefix),
			natsbridge.WithSimulator(config.SimHost, config.SimPort),
			natsbridge.WithRequestTimeout(
				config.ParseDuration(config.SimTimeout, 2*time.Second), 2),
			natsbridge.WithLogger(log.Default().Named("sim.bridge"))), nil
	default:
		return nil, fmt.Errorf("unknown simulator %q", config.Simulator)
	}
}

//nolint:funlen,cyclop // startup sequence
func runOrchestrator() error {
	util.SetupLogger()
	util.StartProfiling()
	util.SetupGoRoutinesDump()

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	ctx, cancel := util.SignalContext()
	defer cancel()

	var tel *config.Telemetry
	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		if tel, err = config.SetupTelemetry(ctx); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		} else {
			defer tel.Shutdown()
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	t, err := setupTransport(ctx)
	if err != nil {
		return err
	}
	defer t.bus.Close()

	simulator, err := setupSimulator(t)
	if err != nil {
		return err
	}

	bcOpts := []telemetry.Option{
		telemetry.WithEnabled(config.Broadcast),
		telemetry.WithRawFrames(config.RawFrames),
		telemetry.WithJPEGQuality(config.JPEGQuality),
	}
	if store, ok := t.bus.(bus.StatusStore); ok {
		bcOpts = append(bcOpts, telemetry.WithStatusStore(store))
	}
	broadcaster := telemetry.New(t.bus, bcOpts...)
	defer broadcaster.Close(time.Second)

	o, err := orchestrator.New(cfg, simulator,
		orchestrator.WithSubscriber(t.bus),
		orchestrator.WithNotifier(roundtrip.NewBusNotifier(t.bus)),
		orchestrator.WithTelemetry(broadcaster),
		orchestrator.WithRecorder(metrics.NewRecorder()),
		orchestrator.WithLogger(log.Default().Named("orchestrator")))
	if err != nil {
		return err
	}
	logBanner(cfg, o.Session(), simulator)

	if config.WatchConfig && viper.ConfigFileUsed() != "" {
		newConfigWatcher(viper.GetViper(), t.bus, log.Default().Named("config")).start()
	}

	if err := o.Setup(ctx); err != nil {
		log.Error("setup failed", log.ErrorField(err))
		return err
	}
	if err := o.Run(ctx); err != nil {
		return err
	}
	log.Info("Orchestrator terminated")
	return nil
}

func logBanner(cfg orchestrator.Config, session string, s sim.Simulator) {
	fields := []log.Field{
		log.String("session", session),
		log.String("simulator", config.Simulator),
		log.String("transport", config.Transport),
		log.String("topicPrefix", config.TopicPrefix),
		log.String("shmDir", cfg.ShmDir),
		log.Strings("regions", []string{cfg.ImageShmName, cfg.DetectionShmName, cfg.ControlShmName}),
		log.Duration("detectorTimeout", cfg.DetectorTimeout),
		log.Bool("synchronous", cfg.Synchronous),
		log.Bool("broadcast", config.Broadcast),
		log.Float64("baseThrottle", cfg.Policy.BaseThrottle),
		log.Int("warmupFrames", cfg.Policy.WarmupLimit),
	}
	if config.Simulator == "bridge" {
		fields = append(fields, log.String("sim", fmt.Sprintf("%s:%d", config.SimHost, config.SimPort)),
			log.String("nats", config.NatsURL))
	}
	if c := s.Camera(); c.Width > 0 {
		fields = append(fields, log.String("camera", fmt.Sprintf("%dx%dx%d", c.Width, c.Height, c.Channels)))
	}
	log.Info("Starting lkas-sim", fields...)
}
