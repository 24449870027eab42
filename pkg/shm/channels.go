package shm

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

// FrameWriter is the orchestrator side of the frame channel.
type FrameWriter struct {
	region *Region
}

func NewFrameWriter(dir, name string, width, height, channels int) (*FrameWriter, error) {
	r, err := Create(dir, name, KindFrame, FrameCapacity(width, height, channels))
	if err != nil {
		return nil, err
	}
	return &FrameWriter{region: r}, nil
}

func (w *FrameWriter) WriteFrame(f *model.FrameData) error {
	return w.region.Publish(f.FrameID, f.Timestamp, func(p []byte) (int, error) {
		return encodeFrame(p, f)
	})
}

func (w *FrameWriter) Region() *Region { return w.region }
func (w *FrameWriter) Close() error { return w.region.Close() }

// FrameReader is the detector side of the frame channel.
type FrameReader struct {
	region *Region
	buf    []byte
}

func NewFrameReader(dir, name string) (*FrameReader, error) {
	r, err := Open(dir, name, KindFrame)
	if err != nil {
		return nil, err
	}
	return &FrameReader{region: r}, nil
}

func (r *FrameReader) LatestID() uint64 {
	return r.region.FrameID()
}

// Read returns the current frame. Pixels alias an internal buffer that is
// reused by the next call.
func (r *FrameReader) Read() (model.FrameData, error) {
	snap, err := r.region.Snapshot(r.buf)
	if err != nil {
		return model.FrameData{}, err
	}
	r.buf = snap.Payload
	return decodeFrame(snap)
}

func (r *FrameReader) Close() error { return r.region.Close() }

// DetectionWriter is the detector side of the detection channel.
type DetectionWriter struct {
	region *Region
}

func NewDetectionWriter(dir, name string) (*DetectionWriter, error) {
	r, err := Create(dir, name, KindDetection, DetectionSize)
	if err != nil {
		return nil, err
	}
	return &DetectionWriter{region: r}, nil
}

func (w *DetectionWriter) WriteDetection(d *model.DetectionData) error {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return w.region.Publish(d.FrameID, ts, func(p []byte) (int, error) {
		return encodeDetection(p, d)
	})
}

func (w *DetectionWriter) Close() error { return w.region.Close() }

// DetectionReader is the orchestrator side of the detection channel. The
// detector may start after the orchestrator, so the region is attached
// lazily; until then the reader reports nothing published.
type DetectionReader struct {
	dir, name     string
	retryInterval time.Duration
	mu            sync.Mutex
	region        *Region
	lastAttach    time.Time
	buf           []byte
	lastAttachErr error
}

func NewDetectionReader(dir, name string) *DetectionReader {
	return &DetectionReader{dir: dir, name: name, retryInterval: 100 * time.Millisecond}
}

// Attach tries to map the region now. It is safe to call repeatedly.
func (r *DetectionReader) Attach() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attachLocked(true)
}

func (r *DetectionReader) attachLocked(force bool) error {
	if r.region != nil {
		return nil
	}
	now := time.Now()
	if !force && now.Sub(r.lastAttach) < r.retryInterval {
		return r.lastAttachErr
	}
	r.lastAttach = now
	reg, err := Open(r.dir, r.name, KindDetection)
	if err != nil {
		r.lastAttachErr = err
		return err
	}
	r.region = reg
	r.lastAttachErr = nil
	return nil
}

// Attached reports whether the detector has created its region.
func (r *DetectionReader) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.region != nil
}

// LatestID returns the frame id of the last published detection or 0.
func (r *DetectionReader) LatestID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.attachLocked(false); err != nil {
		return 0
	}
	return r.region.FrameID()
}

// ReadDetection copies out the last published detection. ok is false as
// long as nothing was published.
func (r *DetectionReader) ReadDetection() (d model.DetectionData, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if aErr := r.attachLocked(false); aErr != nil {
		if isNotReady(aErr) {
			return model.DetectionData{}, false, nil
		}
		return model.DetectionData{}, false, aErr
	}
	snap, err := r.region.Snapshot(r.buf)
	if err != nil {
		return model.DetectionData{}, false, err
	}
	r.buf = snap.Payload
	if snap.FrameID == 0 {
		return model.DetectionData{}, false, nil
	}
	d, err = decodeDetection(snap)
	if err != nil {
		return model.DetectionData{}, false, err
	}
	return d, true, nil
}

func (r *DetectionReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.region == nil {
		return nil
	}
	err := r.region.Close()
	r.region = nil
	return err
}

// the detector has not created or initialized its region yet
func isNotReady(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, ErrRegionTooSmall) ||
		errors.Is(err, ErrBadMagic)
}

// ControlWriter mirrors the applied command for introspection by other
// processes.
type ControlWriter struct {
	region *Region
}

func NewControlWriter(dir, name string) (*ControlWriter, error) {
	r, err := Create(dir, name, KindControl, ControlSize)
	if err != nil {
		return nil, err
	}
	return &ControlWriter{region: r}, nil
}

func (w *ControlWriter) WriteControl(cmd model.ControlCommand, state model.RunState) error {
	rec := ControlRecord{Command: cmd, RunState: state}
	return w.region.Publish(cmd.SourceFrameID, time.Now(), func(p []byte) (int, error) {
		return encodeControl(p, &rec)
	})
}

func (w *ControlWriter) Region() *Region { return w.region }
func (w *ControlWriter) Close() error { return w.region.Close() }

type ControlReader struct {
	region *Region
	buf    []byte
}

func NewControlReader(dir, name string) (*ControlReader, error) {
	r, err := Open(dir, name, KindControl)
	if err != nil {
		return nil, err
	}
	return &ControlReader{region: r}, nil
}

func (r *ControlReader) Read() (ControlRecord, error) {
	snap, err := r.region.Snapshot(r.buf)
	if err != nil {
		return ControlRecord{}, err
	}
	r.buf = snap.Payload
	return decodeControl(snap)
}

func (r *ControlReader) Close() error { return r.region.Close() }
