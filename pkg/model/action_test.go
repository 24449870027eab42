package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    ActionType
		wantErr error
	}{
		{name: "json object", data: `{"type":"pause"}`, want: ActionPause},
		{name: "bare name", data: "quit\n", want: ActionQuit},
		{name: "unknown type", data: `{"type":"jump"}`, wantErr: ErrUnknownAction},
		{name: "unknown bare name", data: "jump", wantErr: ErrUnknownAction},
		{name: "missing type", data: `{"payload":{}}`, wantErr: ErrMalformedAction},
		{name: "broken json", data: `{"type":`, wantErr: ErrMalformedAction},
		{name: "empty", data: "  ", wantErr: ErrMalformedAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAction([]byte(tt.data))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Type)
		})
	}
}

func TestActionEvent_SpawnPoint(t *testing.T) {
	ev, err := DecodeAction([]byte(`{"type":"respawn","payload":{"spawn_point":7}}`))
	require.NoError(t, err)
	sp, ok := ev.SpawnPoint()
	assert.True(t, ok)
	assert.Equal(t, 7, sp)

	ev, err = DecodeAction(ev.Encode())
	require.NoError(t, err)
	sp, ok = ev.SpawnPoint()
	assert.True(t, ok)
	assert.Equal(t, 7, sp)

	plain := ActionEvent{Type: ActionRespawn}
	_, ok = plain.SpawnPoint()
	assert.False(t, ok)
}

func TestDecodeParameter(t *testing.T) {
	got, err := DecodeParameter([]byte(`{"key":"base_throttle","value":0.45}`))
	require.NoError(t, err)
	assert.Equal(t, ParameterUpdate{Key: "base_throttle", Value: 0.45}, got)

	got, err = DecodeParameter([]byte(`{"key":"warmup_limit","value":20}`))
	require.NoError(t, err)
	assert.InDelta(t, 20.0, got.Value, 1e-9)

	_, err = DecodeParameter([]byte(`{"key":"base_throttle","value":"fast"}`))
	assert.ErrorIs(t, err, ErrMalformedUpdate)

	_, err = DecodeParameter([]byte(`{"value":1}`))
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestControlCommand_Clamp(t *testing.T) {
	c := ControlCommand{Throttle: 1.4, Steer: -3, Brake: -0.2}.Clamp()
	assert.Equal(t, 1.0, c.Throttle)
	assert.Equal(t, -1.0, c.Steer)
	assert.Equal(t, 0.0, c.Brake)
}
