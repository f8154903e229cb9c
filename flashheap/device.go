package flashheap

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// erasedByte is what erased NOR flash reads back as.
const erasedByte = 0xff

// BlockDevice is the block/MTD collaborator. Offset 0 is the first byte of
// the device window.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// Device is one mapped block device with its own module chain.
type Device struct {
	Index int
	cfg   DeviceConfig
	dev   BlockDevice
}

// OpenDevice opens the device image named by cfg on fs.
func OpenDevice(fs afero.Fs, index int, cfg DeviceConfig) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := fs.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open device %s", cfg.Path)
	}
	return NewDevice(index, cfg, f), nil
}

// NewDevice wraps an already opened block device.
func NewDevice(index int, cfg DeviceConfig, dev BlockDevice) *Device {
	return &Device{Index: index, cfg: cfg, dev: dev}
}

func (device *Device) Config() DeviceConfig { return device.cfg }
func (device *Device) Base() uint32         { return device.cfg.Base }
func (device *Device) Limit() uint32        { return device.cfg.Base + device.cfg.Size }
func (device *Device) RAMBase() uint32      { return device.cfg.RAMBase }
func (device *Device) RAMLimit() uint32     { return device.cfg.RAMBase + device.cfg.RAMSize }

// Contains reports whether [addr, addr+n) lies inside the device window.
func (device *Device) Contains(addr, n uint32) bool {
	return addr >= device.Base() && uint64(addr)+uint64(n) <= uint64(device.Limit())
}

func (device *Device) ReadAt(p []byte, addr uint32) error {
	if !device.Contains(addr, uint32(len(p))) {
		return dlerr.New(dlerr.Address, "read of %d bytes at 0x%08x outside device %d", len(p), addr, device.Index)
	}
	n, err := device.dev.ReadAt(p, int64(addr-device.Base()))
	if err == io.EOF && n == len(p) {
		err = nil
	}
	if err == io.EOF {
		// Unwritten tail of an image file behaves like erased flash.
		for i := n; i < len(p); i++ {
			p[i] = erasedByte
		}
		err = nil
	}
	return errors.Wrapf(err, "read device %d at 0x%08x", device.Index, addr)
}

func (device *Device) WriteAt(p []byte, addr uint32) error {
	if !device.Contains(addr, uint32(len(p))) {
		return dlerr.New(dlerr.NoSpace, "write of %d bytes at 0x%08x outside device %d", len(p), addr, device.Index)
	}
	_, err := device.dev.WriteAt(p, int64(addr-device.Base()))
	return errors.Wrapf(err, "write device %d at 0x%08x", device.Index, addr)
}

// Erase resets [from, to) to the erased state.
func (device *Device) Erase(from, to uint32) error {
	const chunk = 4096
	buf := bytes.Repeat([]byte{erasedByte}, chunk)
	for addr := from; addr < to; {
		n := to - addr
		if n > chunk {
			n = chunk
		}
		if err := device.WriteAt(buf[:n], addr); err != nil {
			return err
		}
		addr += n
	}
	return nil
}

func (device *Device) Sync() error {
	return errors.Wrapf(device.dev.Sync(), "sync device %d", device.Index)
}

func (device *Device) Close() error {
	return device.dev.Close()
}

func (device *Device) readHeader(addr uint32) (Header, error) {
	var (
		b [HeaderSize]byte
		h Header
	)
	if err := device.ReadAt(b[:], addr); err != nil {
		return h, err
	}
	return h, h.UnmarshalBinary(b[:])
}

func (device *Device) writeHeader(addr uint32, h Header) error {
	b, _ := h.MarshalBinary()
	return device.WriteAt(b, addr)
}
