package config

import (
	"fmt"
	"net/url"
	"time"
)

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	LogLevel          string // sets the log level (zap log level values)
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules
	WaitForServices   string // duration to wait for other services to be ready
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry ("stdout" prints to console)
	ProfilingPort     int    // port for profiling
	NatsURL           string // url of the nats server
	Transport         string // nats or local
	TopicPrefix       string // subject prefix for all topics
	StatusBucket      string // jetstream kv bucket for the latest status (empty: disabled)

	SimHost          string // simulator host
	SimPort          int    // simulator port
	Simulator        string // bridge or synthetic
	SimTimeout       string // timeout of a single simulator request
	SpawnPoint       int    // initial spawn point
	Autopilot        bool   // let the simulator drive
	NoSync           bool   // disable synchronous mode
	FixedDelta       string // simulation step in synchronous mode
	CameraWidth      int    // camera width (synthetic simulator)
	CameraHeight     int    // camera height (synthetic simulator)
	ShmDir           string // directory holding the shared memory regions
	ImageShmName     string // region name of the frame channel
	DetectionShmName string // region name of the detection channel
	ControlShmName   string // region name of the control channel
	UnlinkOnExit     bool   // remove the regions created by this process on exit
	DetectorTimeout  int    // detector timeout in ms
	DetectorPoll     string // poll interval while waiting for the detector
	BaseThrottle     float64
	WarmupFrames     int
	FallbackBrake    float64
	MaxSteer         float64
	Broadcast        bool   // legacy flag, telemetry publishing
	RawFrames        bool   // publish raw frames instead of jpeg
	JPEGQuality      int    // jpeg quality of published frames
	PauseInterval    string // sleep between ticks while paused
	MaxTicks         int    // stop after this many ticks (0: unlimited)
	Latency          bool   // track per stage latency
	Verbose          bool   // log lane status per tick
	WatchConfig      bool   // apply tunables from a changed config file
)

// ParseDuration parses s and falls back to def if s is empty or invalid.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// NatsAddr returns host:port of a nats url for connection checks.
func NatsAddr(natsURL string) (string, error) {
	u, err := url.Parse(natsURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", natsURL)
	}
	if u.Port() == "" {
		return u.Host + ":4222", nil
	}
	return u.Host, nil
}
