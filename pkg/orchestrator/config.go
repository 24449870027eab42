package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/skynet-lkas/lkas-sim/pkg/policy"
	"github.com/skynet-lkas/lkas-sim/pkg/shm"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is built once at startup and owned by the orchestrator.
type Config struct {
	SpawnPoint  int
	Synchronous bool
	// simulation step in synchronous mode
	FixedDelta time.Duration
	Autopilot  bool

	ShmDir           string
	ImageShmName     string
	DetectionShmName string
	ControlShmName   string
	// remove regions written by this process on exit
	UnlinkOnExit bool

	DetectorTimeout time.Duration
	PollInterval    time.Duration

	Policy policy.Params

	// sleep between polls while paused
	PauseInterval time.Duration
	// publish a status message every n ticks
	StatusEvery uint64
	// 0 runs until quit
	MaxTicks uint64
	Latency  bool
	Verbose  bool
}

func DefaultConfig() Config {
	return Config{
		Synchronous:      true,
		FixedDelta:       50 * time.Millisecond,
		ShmDir:           shm.DefaultDir,
		ImageShmName:     "lkas_image",
		DetectionShmName: "lkas_detection",
		ControlShmName:   "lkas_control",
		DetectorTimeout:  time.Second,
		PollInterval:     500 * time.Microsecond,
		Policy:           policy.DefaultParams(),
		PauseInterval:    50 * time.Millisecond,
		StatusEvery:      20,
	}
}

func (c *Config) Validate() error {
	if c.ImageShmName == "" || c.DetectionShmName == "" || c.ControlShmName == "" {
		return fmt.Errorf("%w: shared memory names must not be empty", ErrInvalidConfig)
	}
	if c.ImageShmName == c.DetectionShmName ||
		c.ImageShmName == c.ControlShmName ||
		c.DetectionShmName == c.ControlShmName {
		return fmt.Errorf("%w: shared memory names must be distinct", ErrInvalidConfig)
	}
	if c.DetectorTimeout < 0 {
		return fmt.Errorf("%w: negative detector timeout", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if c.PauseInterval <= 0 {
		return fmt.Errorf("%w: pause interval must be positive", ErrInvalidConfig)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
