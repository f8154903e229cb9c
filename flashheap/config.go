package flashheap

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Device indices.
const (
	DeviceFlash = 0
	DevicePSRAM = 1
	MaxDevices  = 2
)

// DeviceConfig places one block device in the address space.
type DeviceConfig struct {
	Path    string `yaml:"path"`
	Base    uint32 `yaml:"base"`
	Size    uint32 `yaml:"size"`
	RAMBase uint32 `yaml:"ram_base"`
	RAMSize uint32 `yaml:"ram_size"`
}

// RegisterFlagsWithPrefix registers the device flags under prefix.
func (cfg *DeviceConfig) RegisterFlagsWithPrefix(prefix string, f *pflag.FlagSet, def DeviceConfig) {
	f.StringVar(&cfg.Path, prefix+".path", def.Path, "Block device (or image file) backing the module chain. Empty disables the device.")
	f.Uint32Var(&cfg.Base, prefix+".base", def.Base, "Address the device is mapped at.")
	f.Uint32Var(&cfg.Size, prefix+".size", def.Size, "Size of the mapped device window in bytes.")
	f.Uint32Var(&cfg.RAMBase, prefix+".ram-base", def.RAMBase, "Start of the RAM window reserved for modules on this device.")
	f.Uint32Var(&cfg.RAMSize, prefix+".ram-size", def.RAMSize, "Size of the RAM window in bytes.")
}

// Enabled reports whether the device is configured at all.
func (cfg DeviceConfig) Enabled() bool { return cfg.Path != "" }

func (cfg DeviceConfig) Validate() error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.Size < 2*HeaderSize {
		return fmt.Errorf("device %s: size %d is too small", cfg.Path, cfg.Size)
	}
	if cfg.Base%ModuleAlign != 0 {
		return fmt.Errorf("device %s: base 0x%08x is not %d-byte aligned", cfg.Path, cfg.Base, ModuleAlign)
	}
	if cfg.RAMBase%ModuleAlign != 0 || cfg.RAMSize%ModuleAlign != 0 {
		return fmt.Errorf("device %s: RAM window 0x%08x+0x%x is not %d-byte aligned", cfg.Path, cfg.RAMBase, cfg.RAMSize, ModuleAlign)
	}
	if uint64(cfg.Base)+uint64(cfg.Size) > 1<<32 {
		return fmt.Errorf("device %s: window 0x%08x+0x%x overflows the address space", cfg.Path, cfg.Base, cfg.Size)
	}
	if uint64(cfg.RAMBase)+uint64(cfg.RAMSize) > 1<<32 {
		return fmt.Errorf("device %s: RAM window 0x%08x+0x%x overflows the address space", cfg.Path, cfg.RAMBase, cfg.RAMSize)
	}
	return nil
}
