package model

import "time"

// FrameData is a camera image captured for one tick.
// Pixels are tightly packed rows of Channels bytes per pixel (BGRA/RGB as
// delivered by the simulator).
type FrameData struct {
	FrameID   uint64
	Timestamp time.Time
	Width     int
	Height    int
	Channels  int
	Pixels    []byte
}

func (f *FrameData) Size() int {
	return f.Width * f.Height * f.Channels
}

// Seconds converts t to float seconds since the unix epoch, the timestamp
// representation used on the wire and in shared memory.
func Seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func FromSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9))
}
