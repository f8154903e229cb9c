// Package flashheap is an append-only module allocator over flash-like block
// devices. Each device holds a chain of module headers linked by size and
// terminated by a zero-type sentinel; a new module becomes part of the chain
// only when its session is closed.
//
// Heap state is process-wide and unsynchronised: callers serialise every
// operation on a Heap.
package flashheap

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/sliverarmory/dlflash/internal/dlerr"
)

type Heap struct {
	logger  log.Logger
	devices [MaxDevices]*Device

	tails     [MaxDevices]uint32
	tailKnown [MaxDevices]bool

	lastLoaded    [MaxDevices]uint32
	hasLastLoaded [MaxDevices]bool

	sessions [MaxDevices]*Session
}

// New returns a heap over the given devices, indexed by Device.Index.
func New(logger log.Logger, devices ...*Device) (*Heap, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Heap{logger: logger}
	for _, d := range devices {
		if d == nil {
			continue
		}
		if d.Index < 0 || d.Index >= MaxDevices {
			return nil, dlerr.New(dlerr.Invalid, "device index %d", d.Index)
		}
		if h.devices[d.Index] != nil {
			return nil, dlerr.New(dlerr.Invalid, "device %d configured twice", d.Index)
		}
		h.devices[d.Index] = d
	}
	return h, nil
}

// Device returns the device with index i.
func (heap *Heap) Device(i int) (*Device, error) {
	if i < 0 || i >= MaxDevices || heap.devices[i] == nil {
		return nil, dlerr.New(dlerr.Invalid, "no device %d", i)
	}
	return heap.devices[i], nil
}

// Devices returns the configured devices in index order.
func (heap *Heap) Devices() []*Device {
	var res []*Device
	for _, d := range heap.devices {
		if d != nil {
			res = append(res, d)
		}
	}
	return res
}

// Modules returns an iterator over the committed modules of device i.
func (heap *Heap) Modules(i int) *Iterator {
	d, err := heap.Device(i)
	if err != nil {
		return &Iterator{err: err}
	}
	return newIterator(d)
}

// Tail returns the address of the sentinel ending device i's chain.
func (heap *Heap) Tail(i int) (uint32, error) {
	if _, err := heap.Device(i); err != nil {
		return 0, err
	}
	if heap.tailKnown[i] {
		return heap.tails[i], nil
	}
	it := heap.Modules(i)
	for it.Next() {
	}
	if err := it.Err(); err != nil {
		return 0, err
	}
	heap.tails[i], heap.tailKnown[i] = it.Tail(), true
	return heap.tails[i], nil
}

// SetLastLoaded raises the high-water mark of device i to addr, the header
// of a module whose constructors have run.
func (heap *Heap) SetLastLoaded(i int, addr uint32) {
	if i < 0 || i >= MaxDevices {
		return
	}
	if !heap.hasLastLoaded[i] || addr > heap.lastLoaded[i] {
		heap.lastLoaded[i], heap.hasLastLoaded[i] = addr, true
	}
}

// LastLoaded returns the high-water mark of device i.
func (heap *Heap) LastLoaded(i int) (uint32, bool) {
	if i < 0 || i >= MaxDevices {
		return 0, false
	}
	return heap.lastLoaded[i], heap.hasLastLoaded[i]
}

// Open starts staging a module of type typ at the tail of device i.
func (heap *Heap) Open(i int, typ uint32) (*Session, error) {
	d, err := heap.Device(i)
	if err != nil {
		return nil, err
	}
	if typ == TypeSentinel {
		return nil, dlerr.New(dlerr.Invalid, "module type 0 is reserved")
	}
	if heap.sessions[i] != nil {
		return nil, dlerr.New(dlerr.Busy, "device %d already has an open session", i)
	}
	tail, err := heap.Tail(i)
	if err != nil {
		return nil, err
	}
	if last, ok := heap.LastLoaded(i); ok && tail <= last {
		return nil, dlerr.New(dlerr.ResetNeeded, "device %d tail 0x%08x is not above initialised module 0x%08x", i, tail, last)
	}
	sentinel, err := d.readHeader(tail)
	if err != nil {
		return nil, err
	}
	ram := sentinel.RAMBase
	if ram == 0 {
		ram = d.RAMBase()
	}
	if tail+2*HeaderSize > d.Limit() {
		return nil, dlerr.New(dlerr.NoSpace, "device %d is full", i)
	}
	unlock, err := d.lock()
	if err != nil {
		return nil, err
	}
	s := &Session{
		heap:       heap,
		dev:        d,
		typ:        typ,
		flashStart: tail,
		flashEnd:   tail + HeaderSize,
		flashPos:   tail + HeaderSize,
		ramStart:   ram,
		ramEnd:     ram,
		unlock:     unlock,
	}
	heap.sessions[i] = s
	level.Debug(heap.logger).Log("msg", "flash heap session opened", "device", i, "flash_start", hex(tail), "ram_start", hex(ram))
	return s, nil
}

// Truncate drops the module at addr and every module after it from device
// i's chain.
func (heap *Heap) Truncate(i int, addr uint32) error {
	d, err := heap.Device(i)
	if err != nil {
		return err
	}
	if heap.sessions[i] != nil {
		return dlerr.New(dlerr.Busy, "device %d has an open session", i)
	}
	var (
		found bool
		hdr   Header
	)
	it := heap.Modules(i)
	for it.Next() {
		if m := it.At(); m.Addr == addr {
			found, hdr = true, m.Header
			break
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if !found {
		return dlerr.New(dlerr.Invalid, "no committed module at 0x%08x on device %d", addr, i)
	}
	if err := d.writeHeader(addr, Header{Type: TypeSentinel, RAMBase: hdr.RAMBase}); err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		return err
	}
	heap.tails[i], heap.tailKnown[i] = addr, true
	level.Info(heap.logger).Log("msg", "module chain truncated", "device", i, "tail", hex(addr))
	return nil
}

// Format erases device i and writes an empty chain.
func (heap *Heap) Format(i int) error {
	d, err := heap.Device(i)
	if err != nil {
		return err
	}
	if heap.sessions[i] != nil {
		return dlerr.New(dlerr.Busy, "device %d has an open session", i)
	}
	if err := d.Erase(d.Base(), d.Limit()); err != nil {
		return err
	}
	if err := d.writeHeader(d.Base(), Header{Type: TypeSentinel, RAMBase: d.RAMBase()}); err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		return err
	}
	heap.tails[i], heap.tailKnown[i] = d.Base(), true
	level.Info(heap.logger).Log("msg", "device formatted", "device", i, "base", hex(d.Base()), "size", d.Config().Size)
	return nil
}

// DeviceStats is the space accounting of one device.
type DeviceStats struct {
	Device    int
	Modules   int
	FlashUsed uint32
	FlashFree uint32
	RAMUsed   uint32
	RAMFree   uint32
}

// Stats returns the space accounting of every configured device.
func (heap *Heap) Stats() ([]DeviceStats, error) {
	var res []DeviceStats
	for _, d := range heap.Devices() {
		st := DeviceStats{Device: d.Index}
		it := heap.Modules(d.Index)
		for it.Next() {
			st.Modules++
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		tail := it.Tail()
		heap.tails[d.Index], heap.tailKnown[d.Index] = tail, true
		sentinel, err := d.readHeader(tail)
		if err != nil {
			return nil, err
		}
		st.FlashUsed = tail + HeaderSize - d.Base()
		st.FlashFree = d.Limit() - tail - HeaderSize
		if sentinel.RAMBase >= d.RAMBase() && sentinel.RAMBase <= d.RAMLimit() {
			st.RAMUsed = sentinel.RAMBase - d.RAMBase()
			st.RAMFree = d.RAMLimit() - sentinel.RAMBase
		}
		res = append(res, st)
	}
	return res, nil
}

// Close releases every device. Open sessions are discarded.
func (heap *Heap) Close() error {
	var errs error
	for i, s := range heap.sessions {
		if s != nil {
			if err := s.Free(); err != nil {
				errs = multierror.Append(errs, err)
			}
			heap.sessions[i] = nil
		}
	}
	for i, d := range heap.devices {
		if d == nil {
			continue
		}
		if err := d.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		heap.devices[i] = nil
	}
	return errs
}
