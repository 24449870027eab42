// Package natsbridge talks to a simulator bridge process with NATS
// request/reply. Each operation is a subject below <prefix>.sim, bodies are
// JSON except for frame replies, which carry raw pixels with the metadata
// in headers.
package natsbridge

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/ohler55/ojg/oj"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

const (
	opHello     = "hello"
	opSync      = "sync"
	opAutopilot = "autopilot"
	opSpawn     = "spawn"
	opFrame     = "frame"
	opApply     = "apply"
	opTick      = "tick"
	opClose     = "close"
)

const (
	headerError     = "Error"
	headerWidth     = "Width"
	headerHeight    = "Height"
	headerChannels  = "Channels"
	headerTimestamp = "Timestamp"
	headerState     = "State"
)

// ErrRemote is returned when the bridge answered with an error.
var ErrRemote = errors.New("simulator bridge error")

func subject(prefix, op string) string {
	return fmt.Sprintf("%s.sim.%s", prefix, op)
}

func parseObject(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	v, err := oj.Parse(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("expected json object")
	}
	return m, nil
}

func getFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func getInt(m map[string]any, key string) int {
	return int(getFloat(m, key))
}

func getUint(m map[string]any, key string) uint64 {
	if v, ok := m[key].(int64); ok && v > 0 {
		return uint64(v)
	}
	return 0
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func encodeCommand(c model.ControlCommand) []byte {
	return []byte(oj.JSON(c.ToMap()))
}

func decodeCommand(data []byte) (model.ControlCommand, error) {
	m, err := parseObject(data)
	if err != nil {
		return model.ControlCommand{}, err
	}
	return model.ControlCommand{
		Throttle:      getFloat(m, "throttle"),
		Steer:         getFloat(m, "steer"),
		Brake:         getFloat(m, "brake"),
		SourceFrameID: getUint(m, "source_frame_id"),
		IsFallback:    getBool(m, "is_fallback"),
		Reason:        model.FallbackReason(getString(m, "reason")),
	}, nil
}

func encodeState(s *model.VehicleState) string {
	return oj.JSON(map[string]any{
		"x":         s.Pose.Location.X,
		"y":         s.Pose.Location.Y,
		"z":         s.Pose.Location.Z,
		"yaw":       s.Pose.Yaw,
		"vx":        s.Velocity.X,
		"vy":        s.Velocity.Y,
		"vz":        s.Velocity.Z,
		"timestamp": model.Seconds(s.Tick),
	})
}

func decodeState(data string) (model.VehicleState, error) {
	m, err := parseObject([]byte(data))
	if err != nil {
		return model.VehicleState{}, err
	}
	return model.VehicleState{
		Pose: model.VehiclePose{
			Location: model.Vector3{X: getFloat(m, "x"), Y: getFloat(m, "y"), Z: getFloat(m, "z")},
			Yaw:      getFloat(m, "yaw"),
		},
		Velocity: model.Vector3{X: getFloat(m, "vx"), Y: getFloat(m, "vy"), Z: getFloat(m, "vz")},
		Tick:     model.FromSeconds(getFloat(m, "timestamp")),
	}, nil
}

func frameReply(f *model.FrameData, s *model.VehicleState) *nats.Msg {
	msg := &nats.Msg{Header: nats.Header{}, Data: f.Pixels}
	msg.Header.Set(headerWidth, strconv.Itoa(f.Width))
	msg.Header.Set(headerHeight, strconv.Itoa(f.Height))
	msg.Header.Set(headerChannels, strconv.Itoa(f.Channels))
	msg.Header.Set(headerTimestamp, strconv.FormatFloat(model.Seconds(f.Timestamp), 'f', 6, 64))
	msg.Header.Set(headerState, encodeState(s))
	return msg
}

func decodeFrameReply(msg *nats.Msg) (*model.FrameData, model.VehicleState, error) {
	f := &model.FrameData{Pixels: msg.Data}
	var err error
	if f.Width, err = strconv.Atoi(msg.Header.Get(headerWidth)); err != nil {
		return nil, model.VehicleState{}, fmt.Errorf("width: %w", err)
	}
	if f.Height, err = strconv.Atoi(msg.Header.Get(headerHeight)); err != nil {
		return nil, model.VehicleState{}, fmt.Errorf("height: %w", err)
	}
	if f.Channels, err = strconv.Atoi(msg.Header.Get(headerChannels)); err != nil {
		return nil, model.VehicleState{}, fmt.Errorf("channels: %w", err)
	}
	if len(f.Pixels) != f.Size() {
		return nil, model.VehicleState{}, fmt.Errorf("frame has %d bytes, want %d",
			len(f.Pixels), f.Size())
	}
	if ts, tsErr := strconv.ParseFloat(msg.Header.Get(headerTimestamp), 64); tsErr == nil {
		f.Timestamp = model.FromSeconds(ts)
	}
	state, err := decodeState(msg.Header.Get(headerState))
	if err != nil {
		return nil, model.VehicleState{}, fmt.Errorf("state: %w", err)
	}
	return f, state, nil
}
