package model

import "time"

// LaneLine is a detected lane marker given by its bottom (X1,Y1) and top
// (X2,Y2) end points in image pixel coordinates.
type LaneLine struct {
	X1, Y1     float32
	X2, Y2     float32
	Confidence float32
}

// DetectionData is the result the detector computed for exactly one frame.
type DetectionData struct {
	FrameID        uint64
	Timestamp      time.Time
	Valid          bool
	Confidence     float32
	Left           *LaneLine
	Right          *LaneLine
	ProcessingTime time.Duration
}

func (d *DetectionData) HasLanes() bool {
	return d.Left != nil || d.Right != nil
}

func (l *LaneLine) toMap() map[string]any {
	if l == nil {
		return nil
	}
	return map[string]any{
		"x1":         float64(l.X1),
		"y1":         float64(l.Y1),
		"x2":         float64(l.X2),
		"y2":         float64(l.Y2),
		"confidence": float64(l.Confidence),
	}
}

// ToMap returns the wire representation used for telemetry.
func (d *DetectionData) ToMap() map[string]any {
	ret := map[string]any{
		"frame_id":           int64(d.FrameID),
		"timestamp":          Seconds(d.Timestamp),
		"valid":              d.Valid,
		"confidence":         float64(d.Confidence),
		"processing_time_ms": float64(d.ProcessingTime.Microseconds()) / 1000.0,
	}
	if d.Left != nil {
		ret["left_lane"] = d.Left.toMap()
	}
	if d.Right != nil {
		ret["right_lane"] = d.Right.toMap()
	}
	return ret
}
