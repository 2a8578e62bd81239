package shm_ring

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SlotID addresses one sample buffer inside the shared arena.
type SlotID uint32

// Slot states.
const (
	SlotFree uint32 = iota
	SlotFilled
	SlotInUse
)

// Stage bits used by the Ready, Stop and Done words of the header.
const (
	StageProducer uint32 = 1 << iota
	StageWriter
	StageFlusher

	AllStages = StageProducer | StageWriter | StageFlusher
)

const reasonSize = 256

// RingHeader sits at the very beginning of the shared memory
type RingHeader struct {
	Magic      uint64 // For validation
	Version    uint32
	Slots      uint32
	SlotSize   uint64 // bytes of sample data per slot
	SlotStride uint64
	DataOffset uint64
	Total      uint64 // mapping size including header and tables

	Ready      uint32
	Go         uint32
	Stop       uint32
	Done       uint32
	Fault      uint32
	FaultStage uint32
	faultLock  uint32
	_          uint32
	Reason     [reasonSize]byte

	_        [64]byte
	Tail     uint64 // producer: next channel sequence
	NextSlot uint64 // producer: next slot to hand out
	_        [48]byte
	Head     uint64 // consumer: next channel sequence
	_        [56]byte

	Captured      uint64
	Dropped       uint64
	Written       uint64
	Cursor        uint64 // bytes persisted to the output mapping
	Flushed       uint64 // bytes covered by forced write-back
	FlushCalls    uint64
	FlushErrors   uint64
	SchedWarnings uint64
}

const (
	HeaderSize = uint64(unsafe.Sizeof(RingHeader{}))
	MagicValue = 0x5344524341505452 // "SDRCAPTR"
	Version    = 2

	cacheLine = 64
)

var (
	// ErrStopped is returned by Claim once the writer has been asked to stop
	// and the index channel is empty.
	ErrStopped = errors.New("shm_ring: stopped")
	// ErrClaimTimeout is returned by Claim when no index arrived in time.
	ErrClaimTimeout = errors.New("shm_ring: claim timeout")
	// ErrSlotState means a claimed slot was not Filled.
	ErrSlotState = errors.New("shm_ring: slot state violation")
)

// Claim polling: spin briefly, then back off with short sleeps.
var (
	spinBudget   = 256
	claimBackoff = 20 * time.Microsecond
)

// Ring is the slot arena plus the single-producer/single-consumer index
// channel, both living in one fixed-layout shared mapping. Only integers
// cross the process boundary.
type Ring struct {
	fd     int
	name   string
	data   []byte
	header *RingHeader

	states []uint32 // per-slot state tag
	seq    []uint64 // channel sequence stamps
	ids    []uint32 // channel payload: slot ids
	slots  []byte
	n      uint64
}

// Counters is a point-in-time copy of the shared statistics.
type Counters struct {
	Captured      uint64 `json:"buffers_captured"`
	Dropped       uint64 `json:"buffers_dropped"`
	Written       uint64 `json:"buffers_written"`
	Bytes         uint64 `json:"bytes_written"`
	Flushed       uint64 `json:"bytes_flushed"`
	FlushCalls    uint64 `json:"flush_calls"`
	FlushErrors   uint64 `json:"flush_errors"`
	SchedWarnings uint64 `json:"scheduling_warnings"`
	InFlight      int    `json:"in_flight"`
	Pending       uint64 `json:"pending"`
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

type layout struct {
	states, seq, ids, data, stride, total uint64
}

func computeLayout(slots int, slotSize int) layout {
	n := uint64(slots)
	var l layout
	l.states = alignUp(HeaderSize, 8)
	l.seq = alignUp(l.states+4*n, 8)
	l.ids = l.seq + 8*n
	l.data = alignUp(l.ids+4*n, uint64(unix.Getpagesize()))
	l.stride = alignUp(uint64(slotSize), cacheLine)
	l.total = l.data + l.stride*n
	return l
}

// Size returns the mapping size needed for a ring of the given geometry.
func Size(slots int, slotSize int) uint64 {
	return computeLayout(slots, slotSize).total
}

func checkGeometry(slots int, slotSize int) error {
	if slots <= 0 || slots > 1<<16 {
		return fmt.Errorf("invalid slot count %d", slots)
	}
	if slotSize <= 0 {
		return fmt.Errorf("invalid slot size %d", slotSize)
	}
	return nil
}

// Create creates a new named shared memory ring under /dev/shm.
func Create(name string, slots int, slotSize int) (*Ring, error) {
	if err := checkGeometry(slots, slotSize); err != nil {
		return nil, err
	}
	// On Linux, SHM is just files in /dev/shm.
	path := "/dev/shm" + name

	f, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("open shm %s: %w", path, err)
	}

	l := computeLayout(slots, slotSize)
	if err := unix.Ftruncate(f, int64(l.total)); err != nil {
		unix.Close(f)
		unix.Unlink(path)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	data, err := unix.Mmap(f, 0, int(l.total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(f)
		unix.Unlink(path)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	r := &Ring{fd: f, name: name, data: data}
	r.format(slots, slotSize, l)
	return r, nil
}

// CreateAnon creates a ring in an anonymous shared mapping. It is shared
// with children forked after creation and with every thread of this process.
func CreateAnon(slots int, slotSize int) (*Ring, error) {
	if err := checkGeometry(slots, slotSize); err != nil {
		return nil, err
	}
	l := computeLayout(slots, slotSize)
	data, err := unix.Mmap(-1, 0, int(l.total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap anon: %w", err)
	}
	r := &Ring{fd: -1, data: data}
	r.format(slots, slotSize, l)
	return r, nil
}

// Open opens an existing shared memory ring buffer
func Open(name string) (*Ring, error) {
	path := "/dev/shm" + name
	f, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open shm %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(f, &stat); err != nil {
		unix.Close(f)
		return nil, fmt.Errorf("fstat: %w", err)
	}
	if uint64(stat.Size) < HeaderSize {
		unix.Close(f)
		return nil, fmt.Errorf("shm %s too small (%d bytes)", path, stat.Size)
	}

	data, err := unix.Mmap(f, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(f)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	r := &Ring{fd: f, name: name, data: data}
	r.header = (*RingHeader)(unsafe.Pointer(&data[0]))
	if r.header.Magic != MagicValue || r.header.Version != Version {
		r.Close()
		return nil, fmt.Errorf("invalid magic value in shm")
	}
	if r.header.Total != uint64(stat.Size) {
		r.Close()
		return nil, fmt.Errorf("shm size %d does not match header (%d)", stat.Size, r.header.Total)
	}
	r.attach(computeLayout(int(r.header.Slots), int(r.header.SlotSize)))
	return r, nil
}

func (r *Ring) format(slots int, slotSize int, l layout) {
	r.header = (*RingHeader)(unsafe.Pointer(&r.data[0]))
	r.header.Version = Version
	r.header.Slots = uint32(slots)
	r.header.SlotSize = uint64(slotSize)
	r.header.SlotStride = l.stride
	r.header.DataOffset = l.data
	r.header.Total = l.total
	r.attach(l)
	for i := range r.seq {
		r.states[i] = SlotFree
		r.seq[i] = uint64(i)
	}
	// Magic last: an opener never sees a half-initialised header.
	atomic.StoreUint64(&r.header.Magic, MagicValue)
}

func (r *Ring) attach(l layout) {
	n := int(r.header.Slots)
	r.n = uint64(n)
	r.states = unsafe.Slice((*uint32)(unsafe.Pointer(&r.data[l.states])), n)
	r.seq = unsafe.Slice((*uint64)(unsafe.Pointer(&r.data[l.seq])), n)
	r.ids = unsafe.Slice((*uint32)(unsafe.Pointer(&r.data[l.ids])), n)
	r.slots = r.data[l.data:l.total]
}

// Name returns the /dev/shm name, empty for anonymous rings.
func (r *Ring) Name() string { return r.name }

// Slots returns the ring capacity N.
func (r *Ring) Slots() int { return int(r.n) }

// SlotSize returns the number of sample bytes per slot.
func (r *Ring) SlotSize() int { return int(r.header.SlotSize) }

// Slot returns the sample memory of slot id.
func (r *Ring) Slot(id SlotID) []byte {
	off := uint64(id) * r.header.SlotStride
	return r.slots[off : off+r.header.SlotSize : off+r.header.SlotSize]
}

// Prefault touches every page of the slot arena so the hot loops never
// take a first-touch page fault.
func (r *Ring) Prefault() {
	page := unix.Getpagesize()
	for i := 0; i < len(r.slots); i += page {
		r.slots[i] = 0
	}
}

// Lock pins the slot arena in RAM.
func (r *Ring) Lock() error {
	return unix.Mlock(r.slots)
}

// ---- producer side ----

// AcquireFreeSlot returns the next slot if it is Free. It never blocks;
// false means overrun.
func (r *Ring) AcquireFreeSlot() (SlotID, bool) {
	id := SlotID(atomic.LoadUint64(&r.header.NextSlot) % r.n)
	if atomic.LoadUint32(&r.states[id]) != SlotFree {
		return 0, false
	}
	return id, true
}

// Publish marks id Filled and enqueues it. It fails only when the index
// channel is full, in which case the slot goes back to Free.
func (r *Ring) Publish(id SlotID) bool {
	atomic.StoreUint32(&r.states[id], SlotFilled)
	if !r.push(uint32(id)) {
		atomic.StoreUint32(&r.states[id], SlotFree)
		return false
	}
	atomic.AddUint64(&r.header.NextSlot, 1)
	return true
}

func (r *Ring) push(id uint32) bool {
	t := atomic.LoadUint64(&r.header.Tail)
	s := t % r.n
	if atomic.LoadUint64(&r.seq[s]) != t {
		return false // consumer has not yet reclaimed the cell
	}
	r.ids[s] = id
	atomic.StoreUint64(&r.seq[s], t+1)
	atomic.StoreUint64(&r.header.Tail, t+1)
	return true
}

// ---- consumer side ----

func (r *Ring) pop() (uint32, bool) {
	h := atomic.LoadUint64(&r.header.Head)
	s := h % r.n
	if atomic.LoadUint64(&r.seq[s]) != h+1 {
		return 0, false
	}
	id := r.ids[s]
	atomic.StoreUint64(&r.seq[s], h+r.n)
	atomic.StoreUint64(&r.header.Head, h+1)
	return id, true
}

// TryClaim takes the oldest published slot without waiting.
func (r *Ring) TryClaim() (SlotID, bool, error) {
	id, ok := r.pop()
	if !ok {
		return 0, false, nil
	}
	if id >= uint32(r.n) || !atomic.CompareAndSwapUint32(&r.states[id], SlotFilled, SlotInUse) {
		return 0, false, fmt.Errorf("%w: slot %d", ErrSlotState, id)
	}
	return SlotID(id), true, nil
}

// Claim waits up to timeout for the next published slot. Once the writer
// stop bit is raised it keeps returning slots until the channel is empty,
// then ErrStopped.
func (r *Ring) Claim(timeout time.Duration) (SlotID, error) {
	deadline := time.Now().Add(timeout)
	spins := 0
	for {
		if id, ok, err := r.TryClaim(); ok || err != nil {
			return id, err
		}
		if r.StopRequested(StageWriter) {
			// Every publish happened before the stop bit was raised.
			if id, ok, err := r.TryClaim(); ok || err != nil {
				return id, err
			}
			return 0, ErrStopped
		}
		if spins < spinBudget {
			spins++
			runtime.Gosched()
			continue
		}
		if !time.Now().Before(deadline) {
			return 0, ErrClaimTimeout
		}
		time.Sleep(claimBackoff)
	}
}

// Release marks id Free once its contents have been copied out.
func (r *Ring) Release(id SlotID) {
	atomic.StoreUint32(&r.states[id], SlotFree)
}

// State reports the state tag of slot id.
func (r *Ring) State(id SlotID) uint32 {
	return atomic.LoadUint32(&r.states[id])
}

// InFlight counts slots that are not Free.
func (r *Ring) InFlight() int {
	n := 0
	for i := range r.states {
		if atomic.LoadUint32(&r.states[i]) != SlotFree {
			n++
		}
	}
	return n
}

// Pending is the number of indices waiting in the channel.
func (r *Ring) Pending() uint64 {
	return atomic.LoadUint64(&r.header.Tail) - atomic.LoadUint64(&r.header.Head)
}

// ---- control ----

func (r *Ring) SetReady(stage uint32) { atomic.OrUint32(&r.header.Ready, stage) }
func (r *Ring) ReadyMask() uint32 { return atomic.LoadUint32(&r.header.Ready) }
func (r *Ring) RaiseGo() { atomic.StoreUint32(&r.header.Go, 1) }
func (r *Ring) GoRaised() bool { return atomic.LoadUint32(&r.header.Go) != 0 }
func (r *Ring) RequestStop(stage uint32) { atomic.OrUint32(&r.header.Stop, stage) }
func (r *Ring) MarkDone(stage uint32) { atomic.OrUint32(&r.header.Done, stage) }
func (r *Ring) DoneMask() uint32 { return atomic.LoadUint32(&r.header.Done) }

// StopRequested reports whether stage has been asked to stop.
func (r *Ring) StopRequested(stage uint32) bool {
	return atomic.LoadUint32(&r.header.Stop)&stage != 0
}

// SetFault records the first fatal fault of the session. Later faults are
// ignored so the report names the root cause.
func (r *Ring) SetFault(kind uint32, stage uint32, reason string) bool {
	if kind == 0 || !atomic.CompareAndSwapUint32(&r.header.faultLock, 0, 1) {
		return false
	}
	n := copy(r.header.Reason[:reasonSize-1], reason)
	r.header.Reason[n] = 0
	r.header.FaultStage = stage
	atomic.StoreUint32(&r.header.Fault, kind)
	return true
}

// Fault returns the recorded fault kind (0 if none), its stage and reason.
func (r *Ring) Fault() (kind uint32, stage uint32, reason string) {
	kind = atomic.LoadUint32(&r.header.Fault)
	if kind == 0 {
		return 0, 0, ""
	}
	b := r.header.Reason[:]
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return kind, r.header.FaultStage, string(b[:n])
}

// ---- statistics ----

func (r *Ring) AddCaptured(n uint64) { atomic.AddUint64(&r.header.Captured, n) }
func (r *Ring) AddDropped(n uint64) { atomic.AddUint64(&r.header.Dropped, n) }
func (r *Ring) AddSchedWarning() { atomic.AddUint64(&r.header.SchedWarnings, 1) }

// AdvanceCursor accounts one persisted buffer of n bytes.
func (r *Ring) AdvanceCursor(n uint64) {
	atomic.AddUint64(&r.header.Written, 1)
	atomic.AddUint64(&r.header.Cursor, n)
}

// Cursor is the number of bytes persisted so far.
func (r *Ring) Cursor() uint64 { return atomic.LoadUint64(&r.header.Cursor) }

// AddFlush accounts one forced write-back call.
func (r *Ring) AddFlush(n uint64, failed bool) {
	atomic.AddUint64(&r.header.FlushCalls, 1)
	if failed {
		atomic.AddUint64(&r.header.FlushErrors, 1)
		return
	}
	atomic.AddUint64(&r.header.Flushed, n)
}

// Counters returns a snapshot of the shared statistics.
func (r *Ring) Counters() Counters {
	h := r.header
	return Counters{
		Captured:      atomic.LoadUint64(&h.Captured),
		Dropped:       atomic.LoadUint64(&h.Dropped),
		Written:       atomic.LoadUint64(&h.Written),
		Bytes:         atomic.LoadUint64(&h.Cursor),
		Flushed:       atomic.LoadUint64(&h.Flushed),
		FlushCalls:    atomic.LoadUint64(&h.FlushCalls),
		FlushErrors:   atomic.LoadUint64(&h.FlushErrors),
		SchedWarnings: atomic.LoadUint64(&h.SchedWarnings),
		InFlight:      r.InFlight(),
		Pending:       r.Pending(),
	}
}

func (r *Ring) Close() error {
	if r.data != nil {
		unix.Munmap(r.data)
		r.data = nil
	}
	if r.fd > 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	return nil
}

func Remove(name string) error {
	path := "/dev/shm" + name
	err := unix.Unlink(path)
	if err != nil && err != unix.ENOENT {
		return err
	}
	return nil
}
