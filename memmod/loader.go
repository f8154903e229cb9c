package memmod

import (
	"debug/elf"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"

	"github.com/sliverarmory/dlflash/flashheap"
	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// copyChunk is the unit segments are copied to flash in.
const copyChunk = 512

// Loader is a module being staged: a flash heap session plus the bases its
// encoded pointers resolve against. Both bases are fixed by the chain tail
// the session opened at.
type Loader struct {
	sess      *flashheap.Session
	FlashBase uint32
	RAMBase   uint32
}

func newLoader(sess *flashheap.Session) *Loader {
	return &Loader{sess: sess, FlashBase: sess.FlashStart(), RAMBase: sess.RAMStart()}
}

func (loader *Loader) Session() *flashheap.Session { return loader.sess }

// Relocate turns a build-time encoded pointer into the module's final
// address.
func (loader *Loader) Relocate(word uint32) (uint32, error) {
	p, err := flashheap.DecodePtr(word)
	if err != nil {
		return 0, err
	}
	return loader.resolve(p)
}

// resolve admits the address one past the end of a window, which is what
// _end style symbols hold.
func (loader *Loader) resolve(p flashheap.Ptr) (uint32, error) {
	addr := uint64(p.Resolve(loader.FlashBase, loader.RAMBase))
	switch p.Region {
	case flashheap.Flash:
		if uint64(loader.FlashBase)+uint64(p.Value) > uint64(loader.sess.FlashLimit()) {
			return 0, dlerr.New(dlerr.Address, "%s is past the flash limit 0x%08x", p, loader.sess.FlashLimit())
		}
	case flashheap.RAM:
		if uint64(loader.RAMBase)+uint64(p.Value) > uint64(loader.sess.RAMLimit()) {
			return 0, dlerr.New(dlerr.Address, "%s is past the RAM limit 0x%08x", p, loader.sess.RAMLimit())
		}
	}
	return uint32(addr), nil
}

// LoadStats reports what a load consumed.
type LoadStats struct {
	Module        flashheap.Module
	FlashUsed     uint32
	RAMUsed       uint32
	SecondaryUsed uint32
}

// LoadFile stages, links and commits the ELF executable at path onto device dev.
func (registry *Registry) LoadFile(fs afero.Fs, path string, dev int) (LoadStats, error) {
	f, err := fs.Open(path)
	if err != nil {
		return LoadStats{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return registry.Load(f, dev)
}

// Load stages, links and commits the ELF executable read from src onto
// device dev. Nothing is committed unless every step succeeds.
func (registry *Registry) Load(src io.ReaderAt, dev int) (stats LoadStats, err error) {
	defer func() {
		if err != nil {
			registry.metrics.LoadFailures.WithLabelValues(dlerr.KindOf(err).String()).Inc()
			level.Warn(registry.logger).Log("msg", "module load failed", "device", dev, "err", err)
		}
	}()

	sess, err := registry.heap.Open(dev, flashheap.TypeModule)
	if err != nil {
		return stats, err
	}
	defer func() {
		if err != nil {
			_ = sess.Free()
		}
	}()
	l := newLoader(sess)

	if err = l.stage(src); err != nil {
		return stats, err
	}
	m, err := registry.link(l)
	if err != nil {
		return stats, err
	}
	registry.metrics.ModulesLoaded.Inc()

	stats.Module = m
	all, err := registry.heap.Stats()
	if err != nil {
		return stats, err
	}
	for _, st := range all {
		d := strconv.Itoa(st.Device)
		registry.metrics.BytesUsed.WithLabelValues(d, "flash").Set(float64(st.FlashUsed))
		registry.metrics.BytesUsed.WithLabelValues(d, "ram").Set(float64(st.RAMUsed))
		switch st.Device {
		case flashheap.DeviceFlash:
			stats.FlashUsed, stats.RAMUsed = st.FlashUsed, st.RAMUsed
		default:
			stats.SecondaryUsed += st.FlashUsed
		}
	}
	level.Info(registry.logger).Log(
		"msg", "module loaded",
		"device", dev,
		"addr", hex(m.Addr),
		"flash_used", humanize.Bytes(uint64(stats.FlashUsed)),
		"ram_used", humanize.Bytes(uint64(stats.RAMUsed)),
		"secondary_used", humanize.Bytes(uint64(stats.SecondaryUsed)),
	)
	return stats, nil
}

// stage validates the ELF framing and copies every PT_LOAD segment to its
// load address in the session.
func (loader *Loader) stage(src io.ReaderAt) error {
	f, err := elf.NewFile(src)
	if err != nil {
		return dlerr.Wrap(dlerr.Format, err, "invalid ELF image")
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS32 {
		return dlerr.New(dlerr.Format, "ELF has class %s, expected ELFCLASS32", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return dlerr.New(dlerr.Format, "ELF has data %s, expected ELFDATA2LSB", f.Data)
	}
	if f.Type != elf.ET_EXEC {
		return dlerr.New(dlerr.Format, "ELF has type %s, expected ET_EXEC", f.Type)
	}
	if f.Machine != elf.EM_ARM {
		return dlerr.New(dlerr.Format, "ELF has machine %s, expected EM_ARM", f.Machine)
	}

	buf := make([]byte, copyChunk)
	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		ptr, err := flashheap.DecodePtr(uint32(p.Paddr))
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		if ptr.Region != flashheap.Flash {
			return dlerr.New(dlerr.Address, "segment %d: load address %s is not in flash", i, ptr)
		}
		addr, err := loader.resolve(ptr)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		if err := loader.sess.Seek(addr); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		r := p.Open()
		for left := p.Filesz; left > 0; {
			n := uint64(len(buf))
			if left < n {
				n = left
			}
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return dlerr.Wrap(dlerr.Format, err, "segment %d: short read", i)
			}
			if _, err := loader.sess.Write(buf[:n]); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			left -= n
		}
	}
	return nil
}

func hex(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}
