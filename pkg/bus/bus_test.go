package bus

import (
	"testing"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix string
		topic  model.Topic
		want   string
	}{
		{"lkas", model.TopicFrame, "lkas.frame"},
		{"car1.lkas", model.TopicAction, "car1.lkas.action"},
		{"", model.TopicState, "state"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Subject(tt.prefix, tt.topic); got != tt.want {
				t.Errorf("Subject() = %v, want %v", got, tt.want)
			}
		})
	}
}
