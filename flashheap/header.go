package flashheap

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the persisted size of a Header.
	HeaderSize = 20
	// ModuleAlign is the alignment of every header in a chain.
	ModuleAlign = 8
)

// Header types.
const (
	TypeSentinel uint32 = 0
	TypeModule   uint32 = 1
)

// Header is the fixed record in front of every module, and the sentinel at
// the end of every chain. A sentinel's RAMBase is the next free RAM address.
type Header struct {
	Type      uint32
	FlashSize uint32
	RAMSize   uint32
	RAMBase   uint32
	Entry     uint32
}

func (h Header) IsSentinel() bool { return h.Type == TypeSentinel }

func (h Header) valid() bool {
	return h.Type == TypeSentinel || h.Type == TypeModule
}

// MarshalBinary encodes h in its on-flash little-endian layout.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:], h.Type)
	binary.LittleEndian.PutUint32(b[4:], h.FlashSize)
	binary.LittleEndian.PutUint32(b[8:], h.RAMSize)
	binary.LittleEndian.PutUint32(b[12:], h.RAMBase)
	binary.LittleEndian.PutUint32(b[16:], h.Entry)
	return b, nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("short header: %d bytes", len(b))
	}
	h.Type = binary.LittleEndian.Uint32(b[0:])
	h.FlashSize = binary.LittleEndian.Uint32(b[4:])
	h.RAMSize = binary.LittleEndian.Uint32(b[8:])
	h.RAMBase = binary.LittleEndian.Uint32(b[12:])
	h.Entry = binary.LittleEndian.Uint32(b[16:])
	return nil
}

func (h Header) String() string {
	if h.IsSentinel() {
		return fmt.Sprintf("sentinel{ram_base=0x%08x}", h.RAMBase)
	}
	return fmt.Sprintf("module{type=%d flash_size=%d ram_size=%d ram_base=0x%08x entry=0x%08x}",
		h.Type, h.FlashSize, h.RAMSize, h.RAMBase, h.Entry)
}
