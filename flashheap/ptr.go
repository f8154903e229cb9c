package flashheap

import (
	"fmt"

	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// Region says how a Ptr's value is to be read.
type Region uint8

const (
	// Absolute is a final address in its target region.
	Absolute Region = iota
	// Flash is an offset from the start of the module's flash allocation.
	Flash
	// RAM is an offset from the start of the module's RAM reservation.
	RAM
)

func (r Region) String() string {
	switch r {
	case Absolute:
		return "abs"
	case Flash:
		return "flash"
	case RAM:
		return "ram"
	}
	return fmt.Sprintf("region(%d)", uint8(r))
}

const (
	tagShift  = 28
	tagFlash  = 0x1
	tagRAM    = 0x2
	offsetMax = 1<<tagShift - 1
)

// Ptr is a build-time encoded pointer. Modules are linked against
// 0x1xxxxxxx (flash) and 0x2xxxxxxx (RAM) offsets because their final
// placement is only known once they are staged at the chain tail.
type Ptr struct {
	Region Region
	Value  uint32
}

// DecodePtr interprets a word emitted by the module toolchain.
func DecodePtr(word uint32) (Ptr, error) {
	off := word & offsetMax
	switch word >> tagShift {
	case tagFlash:
		return Ptr{Region: Flash, Value: off}, nil
	case tagRAM:
		return Ptr{Region: RAM, Value: off}, nil
	}
	return Ptr{}, dlerr.New(dlerr.Address, "encoded pointer 0x%08x has no region tag", word)
}

// EncodeFlash returns the toolchain encoding of a flash offset.
func EncodeFlash(off uint32) uint32 { return tagFlash<<tagShift | off&offsetMax }

// EncodeRAM returns the toolchain encoding of a RAM offset.
func EncodeRAM(off uint32) uint32 { return tagRAM<<tagShift | off&offsetMax }

// Encode is the inverse of DecodePtr. Absolute pointers encode to themselves.
func (p Ptr) Encode() uint32 {
	switch p.Region {
	case Flash:
		return EncodeFlash(p.Value)
	case RAM:
		return EncodeRAM(p.Value)
	}
	return p.Value
}

// Resolve turns p into an absolute address given the module's bases.
func (p Ptr) Resolve(flashBase, ramBase uint32) uint32 {
	switch p.Region {
	case Flash:
		return flashBase + p.Value
	case RAM:
		return ramBase + p.Value
	}
	return p.Value
}

func (p Ptr) String() string {
	return fmt.Sprintf("%s+0x%x", p.Region, p.Value)
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

func alignDown(v, a uint32) uint32 {
	return v &^ (a - 1)
}
