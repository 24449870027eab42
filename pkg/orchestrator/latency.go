package orchestrator

import (
	"time"

	"github.com/skynet-lkas/lkas-sim/log"
)

// tick stages for latency tracking
const (
	stageFrame     = "frame"
	stageRoundTrip = "roundtrip"
	stagePolicy    = "policy"
	stageApply     = "apply"
	stagePublish   = "publish"
	stageTick      = "tick"
	stageTotal     = "total"
)

var stageOrder = []string{
	stageFrame, stageRoundTrip, stagePolicy, stageApply, stagePublish, stageTick, stageTotal,
}

type stageStats struct {
	count int64
	total time.Duration
	max   time.Duration
}

// StageLatency is the summary of one stage.
type StageLatency struct {
	Stage string
	Count int64
	Mean  time.Duration
	Max   time.Duration
}

type latencyTracker struct {
	stages map[string]*stageStats
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{stages: make(map[string]*stageStats)}
}

func (t *latencyTracker) add(stage string, d time.Duration) {
	s, ok := t.stages[stage]
	if !ok {
		s = &stageStats{}
		t.stages[stage] = s
	}
	s.count++
	s.total += d
	if d > s.max {
		s.max = d
	}
}

func (t *latencyTracker) summary() []StageLatency {
	ret := make([]StageLatency, 0, len(t.stages))
	for _, name := range stageOrder {
		s, ok := t.stages[name]
		if !ok || s.count == 0 {
			continue
		}
		ret = append(ret, StageLatency{
			Stage: name,
			Count: s.count,
			Mean:  s.total / time.Duration(s.count),
			Max:   s.max,
		})
	}
	return ret
}

func (t *latencyTracker) log(l *log.Logger) {
	for _, s := range t.summary() {
		l.Info("latency",
			log.String("stage", s.Stage),
			log.Int64("count", s.Count),
			log.Duration("mean", s.Mean),
			log.Duration("max", s.Max))
	}
}
