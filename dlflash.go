// Package dlflash loads ELF32 ARM executables into flash-resident module
// chains and links them in place, then exposes them through dlopen-style
// lookups.
package dlflash

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/sliverarmory/dlflash/flashheap"
	"github.com/sliverarmory/dlflash/internal/dlerr"
	"github.com/sliverarmory/dlflash/memmod"
)

var ErrRuntimeClosed = errors.New("dlflash: runtime is closed")

// Error kinds, for use with errors.Is.
var (
	ErrFormat      error = dlerr.Format
	ErrAddress     error = dlerr.Address
	ErrNoSpace     error = dlerr.NoSpace
	ErrInvalid     error = dlerr.Invalid
	ErrUnresolved  error = dlerr.Unresolved
	ErrNameTooLong error = dlerr.NameTooLong
	ErrInterpreter error = dlerr.Interpreter
	ErrRelocation  error = dlerr.Relocation
	ErrOverflow    error = dlerr.Overflow
	ErrResetNeeded error = dlerr.ResetNeeded
	ErrNotFound    error = dlerr.NotFound
	ErrBusy        error = dlerr.Busy
)

type options struct {
	logger   log.Logger
	fs       afero.Fs
	host     *memmod.Host
	exec     memmod.Executor
	registry prometheus.Registerer
}

type Option func(*options)

func WithLogger(logger log.Logger) Option { return func(o *options) { o.logger = logger } }

// WithFs sets the filesystem devices, modules and the host image are read
// from. The default is the OS filesystem.
func WithFs(fs afero.Fs) Option { return func(o *options) { o.fs = fs } }

// WithHost replaces the host image named by Config.HostImage.
func WithHost(h *memmod.Host) Option { return func(o *options) { o.host = h } }

func WithExecutor(e memmod.Executor) Option { return func(o *options) { o.exec = e } }

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// Runtime is the loader and registry behind one lock. Every call returns its
// own error; the most recent one is also kept for Dlerror.
type Runtime struct {
	mu      sync.Mutex
	logger  log.Logger
	fs      afero.Fs
	heap    *flashheap.Heap
	reg     *memmod.Registry
	lastErr error
	closed  bool
}

func New(cfg Config, opts ...Option) (*Runtime, error) {
	o := options{
		logger: log.NewNopLogger(),
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dlflash: invalid config: %w", err)
	}

	var devs []*flashheap.Device
	for i, dc := range []flashheap.DeviceConfig{cfg.Flash, cfg.PSRAM} {
		if !dc.Enabled() {
			continue
		}
		d, err := flashheap.OpenDevice(o.fs, i, dc)
		if err != nil {
			for _, d := range devs {
				_ = d.Close()
			}
			return nil, fmt.Errorf("dlflash: %w", err)
		}
		devs = append(devs, d)
	}
	heap, err := flashheap.New(log.With(o.logger, "component", "flashheap"), devs...)
	if err != nil {
		for _, d := range devs {
			_ = d.Close()
		}
		return nil, fmt.Errorf("dlflash: %w", err)
	}

	fail := func(err error) (*Runtime, error) {
		_ = heap.Close()
		return nil, fmt.Errorf("dlflash: %w", err)
	}
	if cfg.AutoFormat {
		for _, d := range devs {
			if _, err := heap.Tail(d.Index); errors.Is(err, dlerr.Format) {
				level.Warn(o.logger).Log("msg", "device holds no module chain, formatting", "device", d.Index, "path", d.Config().Path)
				if err := heap.Format(d.Index); err != nil {
					return fail(err)
				}
			}
		}
	}

	host := o.host
	if host == nil {
		host = memmod.NewHost()
		if cfg.HostImage != "" {
			if host, err = memmod.LoadHostELF(o.fs, cfg.HostImage); err != nil {
				return fail(err)
			}
			level.Info(o.logger).Log("msg", "host image loaded", "path", cfg.HostImage, "symbols", host.Len())
		}
	}

	ropts := []memmod.Option{
		memmod.WithLogger(log.With(o.logger, "component", "linker")),
		memmod.WithMetrics(memmod.NewMetrics(o.registry)),
	}
	if o.exec != nil {
		ropts = append(ropts, memmod.WithExecutor(o.exec))
	}
	return &Runtime{
		logger: o.logger,
		fs:     o.fs,
		heap:   heap,
		reg:    memmod.NewRegistry(heap, host, ropts...),
	}, nil
}

// record keeps err for Dlerror and returns it.
func (runtime *Runtime) record(err error) error {
	if err != nil {
		runtime.lastErr = err
	}
	return err
}

func (runtime *Runtime) lock() error {
	runtime.mu.Lock()
	if runtime.closed {
		runtime.mu.Unlock()
		return ErrRuntimeClosed
	}
	return nil
}

// Host returns the host image modules link against. Symbols and
// interpreters defined on it apply to later loads.
func (runtime *Runtime) Host() *memmod.Host {
	return runtime.reg.Host()
}

// Flash loads the ELF executable at path onto device dev, links it and
// commits it to the device's module chain.
func (runtime *Runtime) Flash(path string, dev int) (memmod.LoadStats, error) {
	if err := runtime.lock(); err != nil {
		return memmod.LoadStats{}, err
	}
	defer runtime.mu.Unlock()

	st, err := runtime.reg.LoadFile(runtime.fs, path, dev)
	if err != nil {
		return st, runtime.record(fmt.Errorf("dlflash: flash %s: %w", path, err))
	}
	return st, nil
}

// Dlopen returns the oldest committed module whose DT_SONAME is name.
func (runtime *Runtime) Dlopen(name string) (*memmod.Module, error) {
	if err := runtime.lock(); err != nil {
		return nil, err
	}
	defer runtime.mu.Unlock()

	m, err := runtime.reg.Open(name)
	if err != nil {
		return nil, runtime.record(fmt.Errorf("dlflash: dlopen %q: %w", name, err))
	}
	return m, nil
}

// Dlsym returns the address of name in m, or in the first committed module
// defining it when m is nil. A miss is reported as ErrNotFound rather than as
// a zero address, so a symbol that really lives at address 0 is still
// distinguishable. Registry.Sym gives the (address, found) form.
func (runtime *Runtime) Dlsym(m *memmod.Module, name string) (uint32, error) {
	if err := runtime.lock(); err != nil {
		return 0, err
	}
	defer runtime.mu.Unlock()

	addr, ok, err := runtime.reg.Sym(m, name)
	if err == nil && !ok {
		err = dlerr.New(dlerr.NotFound, "symbol %s", name)
	}
	if err != nil {
		return 0, runtime.record(fmt.Errorf("dlflash: dlsym %q: %w", name, err))
	}
	return addr, nil
}

// Dlclose releases a handle. Modules stay in their chain.
func (runtime *Runtime) Dlclose(m *memmod.Module) error {
	if err := runtime.lock(); err != nil {
		return err
	}
	defer runtime.mu.Unlock()
	return runtime.record(runtime.reg.Close(m))
}

// Dlerror returns the most recent error and clears it.
func (runtime *Runtime) Dlerror() error {
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	err := runtime.lastErr
	runtime.lastErr = nil
	return err
}

// Init runs every committed module's constructors. Modules it ran can no
// longer be replaced without a device reset.
func (runtime *Runtime) Init() error {
	if err := runtime.lock(); err != nil {
		return err
	}
	defer runtime.mu.Unlock()
	if err := runtime.reg.Init(); err != nil {
		return runtime.record(fmt.Errorf("dlflash: init: %w", err))
	}
	return nil
}

// Fini runs every committed module's destructors.
func (runtime *Runtime) Fini() error {
	if err := runtime.lock(); err != nil {
		return err
	}
	defer runtime.mu.Unlock()
	if err := runtime.reg.Fini(); err != nil {
		return runtime.record(fmt.Errorf("dlflash: fini: %w", err))
	}
	return nil
}

// Modules lists the committed modules of device dev in load order.
func (runtime *Runtime) Modules(dev int) ([]*memmod.Module, error) {
	if err := runtime.lock(); err != nil {
		return nil, err
	}
	defer runtime.mu.Unlock()
	mods, err := runtime.reg.List(dev)
	if err != nil {
		return nil, runtime.record(fmt.Errorf("dlflash: list device %d: %w", dev, err))
	}
	return mods, nil
}

func (runtime *Runtime) Stats() ([]flashheap.DeviceStats, error) {
	if err := runtime.lock(); err != nil {
		return nil, err
	}
	defer runtime.mu.Unlock()
	st, err := runtime.heap.Stats()
	return st, runtime.record(err)
}

// Truncate removes the module at addr and every later module of device dev.
func (runtime *Runtime) Truncate(dev int, addr uint32) error {
	if err := runtime.lock(); err != nil {
		return err
	}
	defer runtime.mu.Unlock()
	return runtime.record(runtime.heap.Truncate(dev, addr))
}

// Format erases device dev.
func (runtime *Runtime) Format(dev int) error {
	if err := runtime.lock(); err != nil {
		return err
	}
	defer runtime.mu.Unlock()
	return runtime.record(runtime.heap.Format(dev))
}

// Close releases the devices.
func (runtime *Runtime) Close() error {
	runtime.mu.Lock()
	defer runtime.mu.Unlock()

	if runtime.closed {
		return nil
	}
	runtime.closed = true
	return runtime.heap.Close()
}
