package shm

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// Payload layouts (little endian). They are shared with the detector
// process and must not change without bumping layoutVersion.
//
// frame:     width u32 | height u32 | channels u32 | pixels
// detection: valid u8 | hasLeft u8 | hasRight u8 | pad u8 | confidence f32 |
//            left 5*f32 | right 5*f32 | processing_us u32
// control:   throttle f32 | steer f32 | brake f32 | flags u8 | reason u8 |
//            run_state u8 | pad u8
const (
	frameMetaSize    = 12
	DetectionSize    = 52
	ControlSize      = 16
	laneSize         = 20
	flagFallback     = 1 << 0
	flagPaused       = 1 << 1
	offLeftLane      = 8
	offRightLane     = offLeftLane + laneSize
	offProcessingUs  = offRightLane + laneSize
	offDetConfidence = 4
)

// FrameCapacity returns the payload capacity needed for frames of the given size.
func FrameCapacity(width, height, channels int) int {
	return frameMetaSize + width*height*channels
}

func encodeFrame(dst []byte, f *model.FrameData) (int, error) {
	n := frameMetaSize + len(f.Pixels)
	if n > len(dst) {
		return 0, fmt.Errorf("%w: frame needs %d bytes, have %d", ErrPayloadTooLarge, n, len(dst))
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(f.Width))
	binary.LittleEndian.PutUint32(dst[4:], uint32(f.Height))
	binary.LittleEndian.PutUint32(dst[8:], uint32(f.Channels))
	copy(dst[frameMetaSize:], f.Pixels)
	return n, nil
}

func decodeFrame(snap Snapshot) (model.FrameData, error) {
	if len(snap.Payload) < frameMetaSize {
		return model.FrameData{}, fmt.Errorf("frame payload too short: %d", len(snap.Payload))
	}
	f := model.FrameData{
		FrameID:   snap.FrameID,
		Timestamp: snap.Timestamp,
		Width:     int(binary.LittleEndian.Uint32(snap.Payload[0:])),
		Height:    int(binary.LittleEndian.Uint32(snap.Payload[4:])),
		Channels:  int(binary.LittleEndian.Uint32(snap.Payload[8:])),
		Pixels:    snap.Payload[frameMetaSize:],
	}
	if f.Size() != len(f.Pixels) {
		return model.FrameData{}, fmt.Errorf("frame size mismatch: %dx%dx%d vs %d bytes",
			f.Width, f.Height, f.Channels, len(f.Pixels))
	}
	return f, nil
}

func putF32(dst []byte, v float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
}

func getF32(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}

func putLane(dst []byte, l *model.LaneLine) {
	putF32(dst[0:], l.X1)
	putF32(dst[4:], l.Y1)
	putF32(dst[8:], l.X2)
	putF32(dst[12:], l.Y2)
	putF32(dst[16:], l.Confidence)
}

func getLane(src []byte) *model.LaneLine {
	return &model.LaneLine{
		X1:         getF32(src[0:]),
		Y1:         getF32(src[4:]),
		X2:         getF32(src[8:]),
		Y2:         getF32(src[12:]),
		Confidence: getF32(src[16:]),
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeDetection(dst []byte, d *model.DetectionData) (int, error) {
	if len(dst) < DetectionSize {
		return 0, fmt.Errorf("%w: detection needs %d bytes", ErrPayloadTooLarge, DetectionSize)
	}
	clear(dst[:DetectionSize])
	dst[0] = boolByte(d.Valid)
	dst[1] = boolByte(d.Left != nil)
	dst[2] = boolByte(d.Right != nil)
	putF32(dst[offDetConfidence:], d.Confidence)
	if d.Left != nil {
		putLane(dst[offLeftLane:], d.Left)
	}
	if d.Right != nil {
		putLane(dst[offRightLane:], d.Right)
	}
	binary.LittleEndian.PutUint32(dst[offProcessingUs:], uint32(d.ProcessingTime.Microseconds()))
	return DetectionSize, nil
}

func decodeDetection(snap Snapshot) (model.DetectionData, error) {
	p := snap.Payload
	if len(p) < DetectionSize {
		return model.DetectionData{}, fmt.Errorf("detection payload too short: %d", len(p))
	}
	d := model.DetectionData{
		FrameID:        snap.FrameID,
		Timestamp:      snap.Timestamp,
		Valid:          p[0] == 1,
		Confidence:     getF32(p[offDetConfidence:]),
		ProcessingTime: time.Duration(binary.LittleEndian.Uint32(p[offProcessingUs:])) * time.Microsecond,
	}
	if p[1] == 1 {
		d.Left = getLane(p[offLeftLane:])
	}
	if p[2] == 1 {
		d.Right = getLane(p[offRightLane:])
	}
	return d, nil
}

var reasonCodes = []model.FallbackReason{
	model.ReasonNone,
	model.ReasonWarmup,
	model.ReasonTimeout,
	model.ReasonStale,
	model.ReasonInvalid,
}

var runStateCodes = []model.RunState{
	model.StateRunning,
	model.StatePaused,
	model.StateTerminating,
}

func indexOf[T comparable](list []T, v T) byte {
	for i, x := range list {
		if x == v {
			return byte(i)
		}
	}
	return 0
}

// ControlRecord is what the control channel carries.
type ControlRecord struct {
	Command  model.ControlCommand
	RunState model.RunState
	Written  time.Time
}

func encodeControl(dst []byte, rec *ControlRecord) (int, error) {
	if len(dst) < ControlSize {
		return 0, fmt.Errorf("%w: control needs %d bytes", ErrPayloadTooLarge, ControlSize)
	}
	c := &rec.Command
	putF32(dst[0:], float32(c.Throttle))
	putF32(dst[4:], float32(c.Steer))
	putF32(dst[8:], float32(c.Brake))
	var flags byte
	if c.IsFallback {
		flags |= flagFallback
	}
	if rec.RunState == model.StatePaused {
		flags |= flagPaused
	}
	dst[12] = flags
	dst[13] = indexOf(reasonCodes, c.Reason)
	dst[14] = indexOf(runStateCodes, rec.RunState)
	dst[15] = 0
	return ControlSize, nil
}

func decodeControl(snap Snapshot) (ControlRecord, error) {
	p := snap.Payload
	if len(p) < ControlSize {
		return ControlRecord{}, fmt.Errorf("control payload too short: %d", len(p))
	}
	rec := ControlRecord{
		Command: model.ControlCommand{
			Throttle:      float64(getF32(p[0:])),
			Steer:         float64(getF32(p[4:])),
			Brake:         float64(getF32(p[8:])),
			SourceFrameID: snap.FrameID,
			IsFallback:    p[12]&flagFallback != 0,
		},
		RunState: model.StateRunning,
		Written:  snap.Timestamp,
	}
	if int(p[13]) < len(reasonCodes) {
		rec.Command.Reason = reasonCodes[p[13]]
	}
	if int(p[14]) < len(runStateCodes) {
		rec.RunState = runStateCodes[p[14]]
	}
	return rec, nil
}
