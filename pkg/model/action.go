package model

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ohler55/ojg/oj"
)

type ActionType string

const (
	ActionRespawn ActionType = "respawn"
	ActionPause   ActionType = "pause"
	ActionResume  ActionType = "resume"
	ActionQuit    ActionType = "quit"
)

var (
	ErrUnknownAction   = errors.New("unknown action type")
	ErrMalformedAction = errors.New("malformed action message")
	ErrMalformedUpdate = errors.New("malformed parameter update")
)

func ParseActionType(s string) (ActionType, error) {
	switch t := ActionType(s); t {
	case ActionRespawn, ActionPause, ActionResume, ActionQuit:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// ActionEvent is an operator command received on the action topic.
type ActionEvent struct {
	Type    ActionType
	Payload map[string]any
}

// SpawnPoint returns the optional spawn point index of a respawn request.
func (a *ActionEvent) SpawnPoint() (int, bool) {
	if a.Payload == nil {
		return 0, false
	}
	switch v := a.Payload["spawn_point"].(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func (a *ActionEvent) Encode() []byte {
	msg := map[string]any{"type": string(a.Type)}
	if a.Payload != nil {
		msg["payload"] = a.Payload
	}
	return []byte(oj.JSON(msg))
}

// DecodeAction accepts either a JSON object {"type": ..., "payload": {...}}
// or the bare action name.
func DecodeAction(data []byte) (ActionEvent, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ActionEvent{}, ErrMalformedAction
	}
	if trimmed[0] != '{' {
		t, err := ParseActionType(string(trimmed))
		if err != nil {
			return ActionEvent{}, err
		}
		return ActionEvent{Type: t}, nil
	}
	obj, err := oj.Parse(trimmed)
	if err != nil {
		return ActionEvent{}, fmt.Errorf("%w: %w", ErrMalformedAction, err)
	}
	m, ok := obj.(map[string]any)
	if !ok {
		return ActionEvent{}, ErrMalformedAction
	}
	name, ok := m["type"].(string)
	if !ok {
		return ActionEvent{}, fmt.Errorf("%w: missing type", ErrMalformedAction)
	}
	t, err := ParseActionType(name)
	if err != nil {
		return ActionEvent{}, err
	}
	ev := ActionEvent{Type: t}
	if p, ok := m["payload"].(map[string]any); ok {
		ev.Payload = p
	}
	return ev, nil
}

// ParameterUpdate changes a tunable of the control policy at runtime.
type ParameterUpdate struct {
	Key   string
	Value float64
}

func (p *ParameterUpdate) Encode() []byte {
	return []byte(oj.JSON(map[string]any{"key": p.Key, "value": p.Value}))
}

func DecodeParameter(data []byte) (ParameterUpdate, error) {
	obj, err := oj.Parse(data)
	if err != nil {
		return ParameterUpdate{}, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	m, ok := obj.(map[string]any)
	if !ok {
		return ParameterUpdate{}, ErrMalformedUpdate
	}
	key, _ := m["key"].(string)
	if key == "" {
		return ParameterUpdate{}, fmt.Errorf("%w: missing key", ErrMalformedUpdate)
	}
	ret := ParameterUpdate{Key: key}
	switch v := m["value"].(type) {
	case int64:
		ret.Value = float64(v)
	case float64:
		ret.Value = v
	case bool:
		if v {
			ret.Value = 1
		}
	default:
		return ParameterUpdate{}, fmt.Errorf("%w: value of %s is not a scalar",
			ErrMalformedUpdate, key)
	}
	return ret, nil
}
