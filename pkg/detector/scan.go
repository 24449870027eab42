// Package detector contains a reference detector process used for demos
// and tests. It is not a perception algorithm: it finds bright lane markers
// on two image rows of the synthetic road.
package detector

import (
	"time"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// Scan looks for lane markers on a near and a far image row.
type Scan struct {
	// brightness above which a pixel belongs to a marker
	Threshold byte
	// rows relative to the image height
	NearRow float64
	FarRow  float64
}

func NewScan() *Scan {
	return &Scan{Threshold: 0xc0, NearRow: 0.95, FarRow: 0.7}
}

// Detect returns the detection for f. It is invalid if no marker was found.
func (s *Scan) Detect(f *model.FrameData) model.DetectionData {
	start := time.Now()
	ret := model.DetectionData{FrameID: f.FrameID}
	if f.Width == 0 || f.Height == 0 || len(f.Pixels) < f.Size() {
		return ret
	}
	nearY := int(float64(f.Height-1) * s.NearRow)
	farY := int(float64(f.Height-1) * s.FarRow)
	nl, nr := s.markers(f, nearY)
	fl, fr := s.markers(f, farY)

	found := 0
	if nl >= 0 && fl >= 0 {
		ret.Left = &model.LaneLine{
			X1: float32(nl), Y1: float32(nearY), X2: float32(fl), Y2: float32(farY), Confidence: 1,
		}
		found++
	}
	if nr >= 0 && fr >= 0 {
		ret.Right = &model.LaneLine{
			X1: float32(nr), Y1: float32(nearY), X2: float32(fr), Y2: float32(farY), Confidence: 1,
		}
		found++
	}
	ret.Valid = found > 0
	ret.Confidence = float32(found) / 2
	ret.Timestamp = time.Now()
	ret.ProcessingTime = time.Since(start)
	return ret
}

// markers returns the centers of the bright runs closest to the image
// center on either side, -1 if there is none.
func (s *Scan) markers(f *model.FrameData, row int) (left, right int) {
	center := f.Width / 2
	left, right = -1, -1
	runCenter := func(from, step int) int {
		x := from
		for x >= 0 && x < f.Width && !s.bright(f, x, row) {
			x += step
		}
		if x < 0 || x >= f.Width {
			return -1
		}
		end := x
		for end+step >= 0 && end+step < f.Width && s.bright(f, end+step, row) {
			end += step
		}
		return (x + end) / 2
	}
	left = runCenter(center-1, -1)
	right = runCenter(center, 1)
	return left, right
}

func (s *Scan) bright(f *model.FrameData, x, y int) bool {
	off := (y*f.Width + x) * f.Channels
	return f.Pixels[off] >= s.Threshold
}
