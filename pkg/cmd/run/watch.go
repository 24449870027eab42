package run

import (
	"maps"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/policy"
)

// flag backed tunables, the decider keys live below "tunables"
var flagTunables = map[string]string{
	"base-throttle":  policy.KeyBaseThrottle,
	"warmup-frames":  policy.KeyWarmupLimit,
	"fallback-brake": policy.KeyFallbackBrake,
	"max-steer":      policy.KeyMaxSteer,
}

const tunablesKey = "tunables"

func readTunables(v *viper.Viper) map[string]float64 {
	ret := map[string]float64{}
	for flag, key := range flagTunables {
		if v.IsSet(flag) {
			ret[key] = v.GetFloat64(flag)
		}
	}
	for key := range v.GetStringMap(tunablesKey) {
		ret[key] = v.GetFloat64(tunablesKey + "." + key)
	}
	return ret
}

// tunableChanges returns updates for keys that are new or changed in next,
// sorted by key.
func tunableChanges(prev, next map[string]float64) []model.ParameterUpdate {
	ret := []model.ParameterUpdate{}
	for _, key := range slices.Sorted(maps.Keys(next)) {
		if old, ok := prev[key]; ok && old == next[key] {
			continue
		}
		ret = append(ret, model.ParameterUpdate{Key: key, Value: next[key]})
	}
	return ret
}

// configWatcher turns changes of the config file into parameter updates.
type configWatcher struct {
	mu   sync.Mutex
	v    *viper.Viper
	pub  bus.Publisher
	last map[string]float64
	l    *log.Logger
}

func newConfigWatcher(v *viper.Viper, pub bus.Publisher, l *log.Logger) *configWatcher {
	return &configWatcher{v: v, pub: pub, last: readTunables(v), l: l}
}

func (w *configWatcher) start() {
	w.v.OnConfigChange(w.onChange)
	w.v.WatchConfig()
	w.l.Info("watching config file", log.String("file", w.v.ConfigFileUsed()))
}

func (w *configWatcher) onChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	next := readTunables(w.v)
	for _, u := range tunableChanges(w.last, next) {
		w.l.Info("config changed", log.String("key", u.Key), log.Float64("value", u.Value))
		if err := w.pub.Publish(&bus.Message{Topic: model.TopicParameter, Data: u.Encode()}); err != nil {
			w.l.Warn("could not publish parameter update", log.ErrorField(err))
		}
	}
	w.last = next
}
