package dlflash

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/dlflash/flashheap"
)

func testConfig() Config {
	cfg := Config{Flash: DefaultFlash, PSRAM: DefaultPSRAM, AutoFormat: true}
	cfg.Flash.Path = "/dev/mtdblock0"
	cfg.Flash.Size = 0x10000
	cfg.PSRAM.Path = "/dev/psram0"
	cfg.PSRAM.Size = 0x8000
	return cfg
}

func newTestRuntime(t *testing.T) (*Runtime, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	r, err := New(testConfig(), WithFs(fs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, fs
}

func TestNewFormatsBlankDevices(t *testing.T) {
	r, _ := newTestRuntime(t)

	st, err := r.Stats()
	require.NoError(t, err)
	require.Len(t, st, 2)
	for _, s := range st {
		require.Zero(t, s.Modules)
		require.Equal(t, uint32(flashheap.HeaderSize), s.FlashUsed)
		require.Zero(t, s.RAMUsed)
	}
	mods, err := r.Modules(flashheap.DeviceFlash)
	require.NoError(t, err)
	require.Empty(t, mods)
}

func TestNewWithoutAutoFormat(t *testing.T) {
	cfg := testConfig()
	cfg.AutoFormat = false
	r, err := New(cfg, WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Modules(flashheap.DeviceFlash)
	require.ErrorIs(t, err, ErrFormat)
	require.NoError(t, r.Format(flashheap.DeviceFlash))
	_, err = r.Modules(flashheap.DeviceFlash)
	require.NoError(t, err)
}

func TestDlerror(t *testing.T) {
	r, _ := newTestRuntime(t)
	require.NoError(t, r.Dlerror())

	_, err := r.Dlopen("libmissing.so")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Dlsym(nil, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	// Only the most recent error is kept, and reading it clears it.
	last := r.Dlerror()
	require.ErrorIs(t, last, ErrNotFound)
	require.Contains(t, last.Error(), `dlsym "missing"`)
	require.NoError(t, r.Dlerror())

	// Successful calls leave a pending error alone.
	_, err = r.Dlopen("libmissing.so")
	require.Error(t, err)
	_, err = r.Stats()
	require.NoError(t, err)
	require.Error(t, r.Dlerror())
}

func TestFlashRejectsBadImages(t *testing.T) {
	r, fs := newTestRuntime(t)
	require.NoError(t, afero.WriteFile(fs, "/junk.elf", []byte("not an elf at all"), 0o644))

	_, err := r.Flash("/junk.elf", flashheap.DeviceFlash)
	require.ErrorIs(t, err, ErrFormat)
	require.ErrorIs(t, r.Dlerror(), ErrFormat)

	_, err = r.Flash("/missing.elf", flashheap.DeviceFlash)
	require.Error(t, err)

	_, err = r.Flash("/junk.elf", 7)
	require.ErrorIs(t, err, ErrInvalid)

	mods, err := r.Modules(flashheap.DeviceFlash)
	require.NoError(t, err)
	require.Empty(t, mods)
}

func TestTruncateUnknownModule(t *testing.T) {
	r, _ := newTestRuntime(t)
	require.ErrorIs(t, r.Truncate(flashheap.DeviceFlash, DefaultFlash.Base+0x100), ErrInvalid)
}

func TestClosed(t *testing.T) {
	r, _ := newTestRuntime(t)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Dlopen("x")
	require.True(t, errors.Is(err, ErrRuntimeClosed))
	require.ErrorIs(t, r.Init(), ErrRuntimeClosed)
	_, err = r.Flash("/x.elf", 0)
	require.ErrorIs(t, err, ErrRuntimeClosed)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	noFlash := cfg
	noFlash.Flash.Path = ""
	require.Error(t, noFlash.Validate())

	shared := cfg
	shared.PSRAM.Path = shared.Flash.Path
	require.Error(t, shared.Validate())

	overlapping := cfg
	overlapping.PSRAM.Base = cfg.Flash.Base + 0x100
	require.ErrorContains(t, overlapping.Validate(), "device windows overlap")

	ram := cfg
	ram.PSRAM.RAMBase = cfg.Flash.RAMBase
	require.ErrorContains(t, ram.Validate(), "RAM windows overlap")

	unaligned := cfg
	unaligned.Flash.Base++
	require.Error(t, unaligned.Validate())

	noPSRAM := cfg
	noPSRAM.PSRAM.Path = ""
	noPSRAM.PSRAM.Base = cfg.Flash.Base
	require.NoError(t, noPSRAM.Validate())
}

func TestConfigFlagsAndFile(t *testing.T) {
	var cfg Config
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--flash.path=/dev/mtdblock3", "--flash.size=65536"}))
	require.Equal(t, "/dev/mtdblock3", cfg.Flash.Path)
	require.Equal(t, uint32(0x10000), cfg.Flash.Size)
	require.Equal(t, DefaultFlash.Base, cfg.Flash.Base)
	require.False(t, cfg.PSRAM.Enabled())

	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/dlflash.yaml", []byte(`
psram:
  path: /dev/psram0
  base: 0x11000000
  size: 0x8000
host_image: /firmware.elf
`), 0o644))
	require.NoError(t, LoadConfig(afs, "/dlflash.yaml", &cfg))
	require.Equal(t, "/dev/mtdblock3", cfg.Flash.Path, "unset keys keep their value")
	require.Equal(t, "/dev/psram0", cfg.PSRAM.Path)
	require.Equal(t, uint32(0x11000000), cfg.PSRAM.Base)
	require.Equal(t, DefaultPSRAM.RAMBase, cfg.PSRAM.RAMBase)
	require.Equal(t, "/firmware.elf", cfg.HostImage)

	require.NoError(t, afero.WriteFile(afs, "/bad.yaml", []byte("flash:\n  bogus: 1\n"), 0o644))
	require.Error(t, LoadConfig(afs, "/bad.yaml", &cfg))
	require.Error(t, LoadConfig(afs, "/missing.yaml", &cfg))
}
