package run

import (
	"bytes"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/bus/local"
	"github.com/skynet-lkas/lkas-sim/pkg/config"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/orchestrator"
)

func TestBuildConfig(t *testing.T) {
	cmd := NewRunCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--detector-timeout=250",
		"--base-throttle=0.4",
		"--warmup-frames=10",
		"--no-sync",
		"--max-ticks=100",
		"--image-shm-name=img",
	}))
	cfg, err := buildConfig()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.DetectorTimeout)
	assert.InDelta(t, 0.4, cfg.Policy.BaseThrottle, 1e-9)
	assert.Equal(t, 10, cfg.Policy.WarmupLimit)
	assert.False(t, cfg.Synchronous)
	assert.Equal(t, uint64(100), cfg.MaxTicks)
	assert.Equal(t, "img", cfg.ImageShmName)
	assert.Equal(t, orchestrator.DefaultConfig().DetectionShmName, cfg.DetectionShmName)
	assert.True(t, config.Broadcast)

	require.NoError(t, cmd.ParseFlags([]string{"--base-throttle=3"}))
	_, err = buildConfig()
	assert.ErrorIs(t, err, orchestrator.ErrInvalidConfig)
}

func TestTunableChanges(t *testing.T) {
	prev := map[string]float64{"base_throttle": 0.3, "kp": 0.6}
	next := map[string]float64{"base_throttle": 0.3, "kp": 0.8, "max_steer": 0.5}
	got := tunableChanges(prev, next)
	want := []model.ParameterUpdate{
		{Key: "kp", Value: 0.8},
		{Key: "max_steer", Value: 0.5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tunableChanges() mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, tunableChanges(next, next))
}

func TestReadTunables(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
base-throttle: 0.35
tunables:
  kp: 0.7
  departure_threshold: 0.4
`)))
	got := readTunables(v)
	want := map[string]float64{"base_throttle": 0.35, "kp": 0.7, "departure_threshold": 0.4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("readTunables() mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigWatcherPublishesChanges(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString("tunables:\n  kp: 0.6\n")))
	b := local.New()
	defer b.Close()
	got := make(chan model.ParameterUpdate, 4)
	sub, err := b.Subscribe(model.TopicParameter, func(msg *bus.Message) {
		u, err := model.DecodeParameter(msg.Data)
		if err == nil {
			got <- u
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	w := newConfigWatcher(v, b, log.NewNop())
	require.NoError(t, v.ReadConfig(bytes.NewBufferString("tunables:\n  kp: 0.9\n")))
	w.onChange(fsnotify.Event{Name: "cfg.yml", Op: fsnotify.Write})

	select {
	case u := <-got:
		assert.Equal(t, model.ParameterUpdate{Key: "kp", Value: 0.9}, u)
	case <-time.After(time.Second):
		t.Fatal("no parameter update published")
	}
}
