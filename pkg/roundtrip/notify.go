package roundtrip

import (
	"strconv"

	"github.com/skynet-lkas/lkas-sim/pkg/bus"
	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// BusNotifier announces new frames on the notify topic. Detectors that do
// not listen still find the frame by polling the frame channel.
type BusNotifier struct {
	pub bus.Publisher
}

func NewBusNotifier(pub bus.Publisher) *BusNotifier {
	return &BusNotifier{pub: pub}
}

func (n *BusNotifier) NotifyFrame(frameID uint64) error {
	return n.pub.Publish(&bus.Message{
		Topic: model.TopicNotify,
		Data:  []byte(strconv.FormatUint(frameID, 10)),
	})
}
