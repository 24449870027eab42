package viewer

import (
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/skynet-lkas/lkas-sim/log"
	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
	"github.com/skynet-lkas/lkas-sim/pkg/telemetry"
)

func fieldMap(fields []log.Field) map[string]any {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return enc.Fields
}

func TestSummarize_State(t *testing.T) {
	s := model.VehicleState{
		FrameID: 7,
		Command: model.ControlCommand{Steer: -0.25, Throttle: 0.3, IsFallback: true, Reason: model.ReasonStale},
	}
	fields, err := summarize(&bus.Message{Topic: model.TopicState, Data: []byte(oj.JSON(s.ToMap()))})
	require.NoError(t, err)
	m := fieldMap(fields)
	assert.EqualValues(t, 7, m["frameId"])
	assert.InDelta(t, -0.25, m["steer"], 1e-9)
	assert.Equal(t, true, m["fallback"])
	assert.Equal(t, "stale", m["reason"])
}

func TestSummarize_Detection(t *testing.T) {
	d := model.DetectionData{FrameID: 3, Valid: true, Confidence: 0.5, Left: &model.LaneLine{X1: 1}}
	fields, err := summarize(&bus.Message{Topic: model.TopicDetection, Data: []byte(oj.JSON(d.ToMap()))})
	require.NoError(t, err)
	m := fieldMap(fields)
	assert.Equal(t, true, m["valid"])
	assert.Equal(t, true, m["left"])
	assert.Equal(t, false, m["right"])
}

func TestSummarize_Frame(t *testing.T) {
	f := &model.FrameData{FrameID: 9, Width: 4, Height: 2, Channels: 3, Pixels: make([]byte, 24)}
	data, header, err := telemetry.EncodeFrame(f, false, 80)
	require.NoError(t, err)
	fields, err := summarize(&bus.Message{Topic: model.TopicFrame, Header: header, Data: data})
	require.NoError(t, err)
	m := fieldMap(fields)
	assert.EqualValues(t, 9, m["frameId"])
	assert.Equal(t, "4x2x3", m["size"])
	assert.Equal(t, telemetry.EncodingJPEG, m["encoding"])
}

func TestSummarize_Garbage(t *testing.T) {
	_, err := summarize(&bus.Message{Topic: model.TopicStatus, Data: []byte("{")})
	assert.Error(t, err)
}
