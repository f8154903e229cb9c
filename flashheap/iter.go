package flashheap

import (
	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// Module is a committed chain entry.
type Module struct {
	Device int
	Addr   uint32
	Header Header
}

// Iterator walks the committed modules of one device, oldest first.
//
//	it := heap.Modules(flashheap.DeviceFlash)
//	for it.Next() {
//		m := it.At()
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
type Iterator struct {
	dev  *Device
	pos  uint32
	cur  Module
	done bool
	err  error
}

func newIterator(d *Device) *Iterator {
	return &Iterator{dev: d, pos: d.Base()}
}

// Next advances to the next committed module. It returns false on reaching
// the sentinel, or the first module whose successor header is not valid:
// such a module was never committed.
func (iterator *Iterator) Next() bool {
	if iterator.done || iterator.err != nil {
		return false
	}
	d := iterator.dev
	hdr, err := d.readHeader(iterator.pos)
	if err != nil {
		iterator.err = err
		return false
	}
	if hdr.IsSentinel() {
		iterator.done = true
		return false
	}
	if hdr.Type != TypeModule {
		if iterator.pos == d.Base() {
			iterator.err = dlerr.New(dlerr.Format, "device %d is not formatted (header type 0x%08x)", d.Index, hdr.Type)
		}
		iterator.done = true
		return false
	}
	next := uint64(iterator.pos) + uint64(hdr.FlashSize)
	if hdr.FlashSize < HeaderSize || hdr.FlashSize%ModuleAlign != 0 || next+HeaderSize > uint64(d.Limit()) {
		iterator.done = true
		return false
	}
	succ, err := d.readHeader(uint32(next))
	if err != nil {
		iterator.err = err
		return false
	}
	if !succ.valid() {
		iterator.done = true
		return false
	}
	iterator.cur = Module{Device: d.Index, Addr: iterator.pos, Header: hdr}
	iterator.pos = uint32(next)
	return true
}

// At returns the module Next stopped on.
func (iterator *Iterator) At() Module { return iterator.cur }

func (iterator *Iterator) Err() error { return iterator.err }

// Tail returns the end of the chain once Next has returned false without an
// error: the address the next module will be staged at.
func (iterator *Iterator) Tail() uint32 { return iterator.pos }
