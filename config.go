package dlflash

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/dlflash/flashheap"
)

// Default device windows: modules go into the flash above the first MiB of
// firmware, with RAM above the firmware's own data.
var (
	DefaultFlash = flashheap.DeviceConfig{
		Base:    0x10100000,
		Size:    0x00300000,
		RAMBase: 0x20030000,
		RAMSize: 0x00010000,
	}
	DefaultPSRAM = flashheap.DeviceConfig{
		Base:    0x11000000,
		Size:    0x00800000,
		RAMBase: 0x20040000,
		RAMSize: 0x00002000,
	}
)

type Config struct {
	Flash flashheap.DeviceConfig `yaml:"flash"`
	PSRAM flashheap.DeviceConfig `yaml:"psram"`

	// HostImage is the firmware ELF whose symbols modules link against.
	HostImage string `yaml:"host_image"`
	// AutoFormat writes an empty chain to devices that do not hold one.
	AutoFormat bool `yaml:"auto_format"`
}

// RegisterFlags registers the runtime flags on f.
func (cfg *Config) RegisterFlags(f *pflag.FlagSet) {
	cfg.Flash.RegisterFlagsWithPrefix("flash", f, DefaultFlash)
	cfg.PSRAM.RegisterFlagsWithPrefix("psram", f, DefaultPSRAM)
	f.StringVar(&cfg.HostImage, "host-image", "", "Firmware ELF providing the host symbols modules link against.")
	f.BoolVar(&cfg.AutoFormat, "auto-format", false, "Format devices that do not hold a module chain yet.")
}

func (cfg *Config) Validate() error {
	if !cfg.Flash.Enabled() {
		return errors.New("no flash device configured")
	}
	if err := cfg.Flash.Validate(); err != nil {
		return err
	}
	if err := cfg.PSRAM.Validate(); err != nil {
		return err
	}
	if cfg.PSRAM.Enabled() {
		if cfg.PSRAM.Path == cfg.Flash.Path {
			return fmt.Errorf("flash and psram share the device %s", cfg.Flash.Path)
		}
		if overlap(cfg.Flash.Base, cfg.Flash.Size, cfg.PSRAM.Base, cfg.PSRAM.Size) {
			return errors.New("flash and psram device windows overlap")
		}
		if overlap(cfg.Flash.RAMBase, cfg.Flash.RAMSize, cfg.PSRAM.RAMBase, cfg.PSRAM.RAMSize) {
			return errors.New("flash and psram RAM windows overlap")
		}
	}
	return nil
}

func overlap(a, an, b, bn uint32) bool {
	return uint64(a) < uint64(b)+uint64(bn) && uint64(b) < uint64(a)+uint64(an)
}

// LoadConfig reads a YAML config file from fs into cfg. Keys the file does
// not set keep their current value.
func LoadConfig(fs afero.Fs, path string, cfg *Config) error {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
