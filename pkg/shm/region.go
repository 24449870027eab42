// Package shm implements single-writer shared memory channels backed by
// mmap'ed files (usually below /dev/shm).
//
// Every region starts with a fixed header followed by the payload area.
// Writers publish with a sequence lock: seq is odd while a write is in
// progress, the frame id is stored last before seq becomes even again.
// Readers copy the payload out and validate seq afterwards, so they never
// hold references into the shared mapping.
package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/skynet-lkas/lkas-sim/pkg/model"
)

const (
	magic         uint32 = 0x4c4b4153 // "LKAS"
	layoutVersion uint16 = 1

	HeaderSize = 64

	offMagic      = 0
	offVersion    = 4
	offKind       = 6
	offSeq        = 8
	offFrameID    = 16
	offTimestamp  = 24
	offPayloadLen = 32
	offCapacity   = 36

	// readers give up if they cannot get a consistent copy within this time
	maxReadWait = 5 * time.Millisecond

	DefaultDir = "/dev/shm"
)

type Kind uint16

const (
	KindFrame     Kind = 1
	KindDetection Kind = 2
	KindControl   Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindDetection:
		return "detection"
	case KindControl:
		return "control"
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

var (
	ErrWriterExists    = errors.New("shared memory region already has a writer")
	ErrRegionTooSmall  = errors.New("shared memory region too small")
	ErrBadMagic        = errors.New("shared memory region has an unknown layout")
	ErrKindMismatch    = errors.New("shared memory region kind mismatch")
	ErrPayloadTooLarge = errors.New("payload exceeds region capacity")
	ErrTornRead        = errors.New("could not get a consistent snapshot")
	ErrNotWriter       = errors.New("region opened read-only")
	ErrClosed          = errors.New("region closed")
)

// Snapshot is a consistent copy of a region taken by a reader.
type Snapshot struct {
	FrameID   uint64
	Timestamp time.Time
	Payload   []byte
}

type Region struct {
	name     string
	path     string
	kind     Kind
	file     *os.File
	data     []byte
	writer   bool
	capacity int
}

// Create opens (or creates) the named region for writing. It fails with
// ErrWriterExists if another writer holds the region, regardless of the
// process the writer lives in.
func Create(dir, name string, kind Kind, capacity int) (*Region, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrRegionTooSmall, capacity)
	}
	path := regionPath(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o660)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", name, err)
	}
	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrWriterExists, name)
		}
		return nil, fmt.Errorf("lock region %s: %w", name, err)
	}
	size := HeaderSize + capacity
	if err = f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("resize region %s: %w", name, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap region %s: %w", name, err)
	}
	r := &Region{
		name:     name,
		path:     path,
		kind:     kind,
		file:     f,
		data:     data,
		writer:   true,
		capacity: capacity,
	}
	r.initHeader()
	return r, nil
}

// Open maps an existing region read-only.
func Open(dir, name string, kind Kind) (*Region, error) {
	path := regionPath(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat region %s: %w", name, err)
	}
	if st.Size() < HeaderSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes", ErrRegionTooSmall, name, st.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap region %s: %w", name, err)
	}
	r := &Region{name: name, path: path, kind: kind, file: f, data: data}
	if err = r.validateHeader(int(st.Size())); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func regionPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, filepath.Base(name))
}

func (r *Region) initHeader() {
	binary.LittleEndian.PutUint32(r.data[offMagic:], magic)
	binary.LittleEndian.PutUint16(r.data[offVersion:], layoutVersion)
	binary.LittleEndian.PutUint16(r.data[offKind:], uint16(r.kind))
	binary.LittleEndian.PutUint32(r.data[offCapacity:], uint32(r.capacity))
	// a previous writer may have died mid-write
	if atomic.LoadUint64(r.u64(offSeq))%2 == 1 {
		atomic.AddUint64(r.u64(offSeq), 1)
	}
}

func (r *Region) validateHeader(size int) error {
	if binary.LittleEndian.Uint32(r.data[offMagic:]) != magic ||
		binary.LittleEndian.Uint16(r.data[offVersion:]) != layoutVersion {
		return fmt.Errorf("%w: %s", ErrBadMagic, r.name)
	}
	if k := Kind(binary.LittleEndian.Uint16(r.data[offKind:])); k != r.kind {
		return fmt.Errorf("%w: %s is %s, want %s", ErrKindMismatch, r.name, k, r.kind)
	}
	r.capacity = int(binary.LittleEndian.Uint32(r.data[offCapacity:]))
	if HeaderSize+r.capacity > size {
		return fmt.Errorf("%w: %s", ErrRegionTooSmall, r.name)
	}
	return nil
}

// mmap'ed memory is page aligned, header offsets are multiples of 8
func (r *Region) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.data[off]))
}

func (r *Region) Name() string { return r.name }
func (r *Region) Kind() Kind { return r.kind }
func (r *Region) Capacity() int { return r.capacity }
func (r *Region) IsWriter() bool { return r.writer }

// Publish writes a new payload. fill receives the payload area and returns
// the number of bytes used.
func (r *Region) Publish(frameID uint64, ts time.Time, fill func(payload []byte) (int, error)) error {
	if r.data == nil {
		return ErrClosed
	}
	if !r.writer {
		return ErrNotWriter
	}
	seq := r.u64(offSeq)
	atomic.AddUint64(seq, 1) // odd: write in progress
	n, err := fill(r.data[HeaderSize : HeaderSize+r.capacity])
	if err == nil && (n < 0 || n > r.capacity) {
		err = fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, r.capacity)
	}
	if err != nil {
		// leave frame id untouched, readers keep seeing the previous payload id
		atomic.AddUint64(seq, 1)
		return err
	}
	atomic.StoreUint64(r.u64(offTimestamp), math.Float64bits(model.Seconds(ts)))
	atomic.StoreUint32(r.u32(offPayloadLen), uint32(n))
	atomic.StoreUint64(r.u64(offFrameID), frameID)
	atomic.AddUint64(seq, 1)
	return nil
}

// FrameID returns the id of the last completed publication without copying
// the payload.
func (r *Region) FrameID() uint64 {
	if r.data == nil {
		return 0
	}
	return atomic.LoadUint64(r.u64(offFrameID))
}

// Snapshot copies the current content into buf (grown if needed).
func (r *Region) Snapshot(buf []byte) (Snapshot, error) {
	if r.data == nil {
		return Snapshot{}, ErrClosed
	}
	seq := r.u64(offSeq)
	var deadline time.Time
	for {
		before := atomic.LoadUint64(seq)
		if before%2 == 0 {
			frameID := atomic.LoadUint64(r.u64(offFrameID))
			ts := math.Float64frombits(atomic.LoadUint64(r.u64(offTimestamp)))
			n := int(atomic.LoadUint32(r.u32(offPayloadLen)))
			if n <= r.capacity {
				if cap(buf) < n {
					buf = make([]byte, n)
				}
				buf = buf[:n]
				copy(buf, r.data[HeaderSize:HeaderSize+n])
				if atomic.LoadUint64(seq) == before {
					return Snapshot{FrameID: frameID, Timestamp: model.FromSeconds(ts), Payload: buf}, nil
				}
			}
		}
		// a large write may take a while, let the writer make progress
		now := time.Now()
		if deadline.IsZero() {
			deadline = now.Add(maxReadWait)
		} else if now.After(deadline) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrTornRead, r.name)
		}
		runtime.Gosched()
	}
}

// Close unmaps the region and releases the writer lock.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if cErr := r.file.Close(); err == nil {
		err = cErr
	}
	return err
}

// Unlink removes the backing file. Mappings of other processes stay valid.
func (r *Region) Unlink() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Header is the decoded region header, used for introspection.
type Header struct {
	Name       string
	Kind       Kind
	Sequence   uint64
	FrameID    uint64
	Timestamp  time.Time
	PayloadLen int
	Capacity   int
}

func (r *Region) Header() Header {
	return Header{
		Name:       r.name,
		Kind:       r.kind,
		Sequence:   atomic.LoadUint64(r.u64(offSeq)),
		FrameID:    atomic.LoadUint64(r.u64(offFrameID)),
		Timestamp:  model.FromSeconds(math.Float64frombits(atomic.LoadUint64(r.u64(offTimestamp)))),
		PayloadLen: int(atomic.LoadUint32(r.u32(offPayloadLen))),
		Capacity:   r.capacity,
	}
}
