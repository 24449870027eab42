package model

// Topic identifies a pub-sub stream. Transports prefix it with their own
// namespace (see bus.Subject).
type Topic string

const (
	TopicFrame     Topic = "frame"     // outbound camera frames
	TopicDetection Topic = "detection" // outbound detector results
	TopicState     Topic = "state"     // outbound vehicle state
	TopicStatus    Topic = "status"    // outbound run state and counters
	TopicAction    Topic = "action"    // inbound operator commands
	TopicParameter Topic = "parameter" // inbound tuning updates

	// wakes up the detector once a frame was written
	TopicNotify Topic = "notify.frame"
)

func (t Topic) String() string {
	return string(t)
}
