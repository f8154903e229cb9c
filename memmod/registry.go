package memmod

import (
	"debug/elf"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sliverarmory/dlflash/flashheap"
	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// maxDynamic bounds how many entries of a committed module's dynamic
// section are read before a DT_NULL is required.
const maxDynamic = 1024

// Scope limits where a symbol is looked up.
type Scope int

const (
	// ScopeAll searches the host image, then every committed module in load order.
	ScopeAll Scope = iota
	// ScopeHost searches the host image only.
	ScopeHost
)

const hostProvider = "host"

// Registry is the view of the committed module chains as loaded shared
// objects. The chains are its only state.
type Registry struct {
	heap    *flashheap.Heap
	host    *Host
	exec    Executor
	logger  log.Logger
	metrics *Metrics
}

type Option func(*Registry)

func WithLogger(logger log.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithExecutor sets what runs constructors and destructors.
func WithExecutor(e Executor) Option {
	return func(r *Registry) { r.exec = e }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(heap *flashheap.Heap, host *Host, opts ...Option) *Registry {
	r := &Registry{
		heap:   heap,
		host:   host,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.exec == nil {
		r.exec = logExecutor{logger: r.logger}
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

func (registry *Registry) Heap() *flashheap.Heap { return registry.heap }
func (registry *Registry) Host() *Host           { return registry.host }

// Module is a committed module together with its dynamic section.
type Module struct {
	flashheap.Module
	Dynamic Dynamic
	// Name is the module's DT_SONAME, empty when it has none.
	Name string
}

func (module *Module) String() string {
	if module.Name == "" {
		return fmt.Sprintf("module@0x%08x", module.Addr)
	}
	return fmt.Sprintf("%s@0x%08x", module.Name, module.Addr)
}

// module reads the dynamic section of a committed chain entry.
func (registry *Registry) module(fm flashheap.Module) (*Module, error) {
	dev, err := registry.heap.Device(fm.Device)
	if err != nil {
		return nil, err
	}
	m := &Module{Module: fm}
	var b [dynSize]byte
	addr := fm.Header.Entry
	for i := 0; ; i++ {
		if i == maxDynamic {
			return nil, dlerr.New(dlerr.Format, "%s: dynamic section has no DT_NULL", m)
		}
		if err := dev.ReadAt(b[:], addr); err != nil {
			return nil, fmt.Errorf("%s: dynamic section: %w", m, err)
		}
		tag := elf.DynTag(int32(le.Uint32(b[0:])))
		if tag == elf.DT_NULL {
			break
		}
		m.Dynamic.set(tag, le.Uint32(b[4:]))
		addr += dynSize
	}
	if m.Dynamic.Hash != 0 {
		var hb [8]byte
		if err := dev.ReadAt(hb[:], m.Dynamic.Hash); err != nil {
			return nil, fmt.Errorf("%s: DT_HASH: %w", m, err)
		}
		m.Dynamic.NumSyms = le.Uint32(hb[4:])
	}
	if m.Dynamic.hasSOName && m.Dynamic.StrTab != 0 {
		if m.Name, err = registry.readString(dev, m.Dynamic.StrTab+m.Dynamic.SOName); err != nil {
			return nil, fmt.Errorf("%s: DT_SONAME: %w", m, err)
		}
	}
	return m, nil
}

func (registry *Registry) readString(dev *flashheap.Device, addr uint32) (string, error) {
	n := uint32(NameMax)
	if !dev.Contains(addr, n) {
		if addr < dev.Base() || addr >= dev.Limit() {
			return "", dlerr.New(dlerr.Address, "string at 0x%08x outside device %d", addr, dev.Index)
		}
		n = dev.Limit() - addr
	}
	buf := make([]byte, n)
	if err := dev.ReadAt(buf, addr); err != nil {
		return "", err
	}
	return cString(buf, n == NameMax)
}

// Walk calls fn for every committed module of every device, device 0
// first, each chain oldest first. It stops at the first error.
func (registry *Registry) Walk(fn func(m *Module) error) error {
	for _, d := range registry.heap.Devices() {
		if err := registry.walkDevice(d.Index, fn); err != nil {
			return err
		}
	}
	return nil
}

func (registry *Registry) walkDevice(dev int, fn func(m *Module) error) error {
	it := registry.heap.Modules(dev)
	for it.Next() {
		m, err := registry.module(it.At())
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return it.Err()
}

// List returns the committed modules of device dev in load order.
func (registry *Registry) List(dev int) ([]*Module, error) {
	var res []*Module
	err := registry.walkDevice(dev, func(m *Module) error {
		res = append(res, m)
		return nil
	})
	return res, err
}

// errStop ends a Walk early without reporting an error.
var errStop = errors.New("stop")

// Open returns the oldest committed module whose DT_SONAME is name.
func (registry *Registry) Open(name string) (*Module, error) {
	var found *Module
	err := registry.Walk(func(m *Module) error {
		if m.Dynamic.hasSOName && m.Name == name {
			found = m
			return errStop
		}
		return nil
	})
	if err != nil && err != errStop {
		return nil, err
	}
	if found == nil {
		return nil, dlerr.New(dlerr.NotFound, "%s", name)
	}
	level.Debug(registry.logger).Log("msg", "module opened", "module", found)
	return found, nil
}

// Close releases a handle returned by Open. Committed modules are never
// unlinked, so there is nothing to release.
func (registry *Registry) Close(*Module) error { return nil }

// Sym looks name up in m's symbol hash table, or in every committed module
// in load order when m is nil. The second result reports whether a
// qualifying symbol was found.
func (registry *Registry) Sym(m *Module, name string) (uint32, bool, error) {
	if m != nil {
		return registry.lookup(m, name)
	}
	var (
		addr  uint32
		found bool
	)
	err := registry.Walk(func(m *Module) error {
		v, ok, err := registry.lookup(m, name)
		if err != nil {
			return err
		}
		if ok {
			addr, found = v, true
			return errStop
		}
		return nil
	})
	if err != nil && err != errStop {
		return 0, false, err
	}
	return addr, found, nil
}

// lookup searches one module's DT_HASH table. Only global or weak symbols
// with default visibility that the module defines qualify.
func (registry *Registry) lookup(m *Module, name string) (uint32, bool, error) {
	d := m.Dynamic
	if d.Hash == 0 || d.SymTab == 0 || d.StrTab == 0 {
		return 0, false, nil
	}
	dev, err := registry.heap.Device(m.Device)
	if err != nil {
		return 0, false, err
	}
	var hb [8]byte
	if err := dev.ReadAt(hb[:], d.Hash); err != nil {
		return 0, false, err
	}
	nbucket, nchain := le.Uint32(hb[0:]), le.Uint32(hb[4:])
	if nbucket == 0 {
		return 0, false, nil
	}
	var w [4]byte
	bucket := d.Hash + 8 + elfHash(name)%nbucket*4
	if err := dev.ReadAt(w[:], bucket); err != nil {
		return 0, false, err
	}
	chains := d.Hash + 8 + nbucket*4

	var sb [symSize]byte
	for i, steps := le.Uint32(w[:]), uint32(0); i != 0; steps++ {
		if i >= nchain || steps > nchain {
			return 0, false, dlerr.New(dlerr.Format, "%s: corrupt DT_HASH chain", m)
		}
		if err := dev.ReadAt(sb[:], d.SymTab+i*symSize); err != nil {
			return 0, false, err
		}
		s := decodeSym(sb[:])
		if registry.qualifies(s) {
			sname, err := registry.readString(dev, d.StrTab+s.Name)
			if err != nil {
				return 0, false, err
			}
			if sname == name {
				return s.Value, true, nil
			}
		}
		if err := dev.ReadAt(w[:], chains+i*4); err != nil {
			return 0, false, err
		}
		i = le.Uint32(w[:])
	}
	return 0, false, nil
}

func (registry *Registry) qualifies(s elf.Sym32) bool {
	if elf.SectionIndex(s.Shndx) == elf.SHN_UNDEF {
		return false
	}
	if elf.ST_BIND(s.Info) == elf.STB_LOCAL {
		return false
	}
	return elf.ST_VISIBILITY(s.Other) == elf.STV_DEFAULT
}

// Resolve binds name the way the linker does for undefined symbols.
func (registry *Registry) Resolve(name string, scope Scope) (uint32, bool, error) {
	addr, _, ok, err := registry.resolve(name, scope)
	return addr, ok, err
}

// resolve also names who provided the symbol: "host" or the module.
func (registry *Registry) resolve(name string, scope Scope) (uint32, string, bool, error) {
	if addr, ok := registry.host.Lookup(name); ok {
		return addr, hostProvider, true, nil
	}
	if scope == ScopeHost {
		return 0, "", false, nil
	}
	var (
		addr     uint32
		provider string
		found    bool
	)
	err := registry.Walk(func(m *Module) error {
		v, ok, err := registry.lookup(m, name)
		if err != nil {
			return err
		}
		if ok {
			addr, found = v, true
			provider = "device" + strconv.Itoa(m.Device)
			return errStop
		}
		return nil
	})
	if err != nil && err != errStop {
		return 0, "", false, err
	}
	return addr, provider, found, nil
}

// Interpreter returns the host hook registered for a PT_INTERP name.
func (registry *Registry) Interpreter(name string) (InterpFunc, bool) {
	return registry.host.Interpreter(name)
}

// Init runs the constructors of every committed module, in load order:
// DT_INIT, then DT_INIT_ARRAY. Each module reached raises its device's
// high-water mark before its first constructor runs, so that no later load
// can reuse its flash even when a constructor fails.
func (registry *Registry) Init() error {
	return registry.Walk(func(m *Module) error {
		registry.heap.SetLastLoaded(m.Device, m.Addr)
		if m.Dynamic.Init != 0 {
			if err := registry.call(m, "DT_INIT", m.Dynamic.Init); err != nil {
				return err
			}
		}
		fns, err := registry.array(m, m.Dynamic.InitArray, m.Dynamic.InitArraySz)
		if err != nil {
			return err
		}
		for _, fn := range fns {
			if err := registry.call(m, "DT_INIT_ARRAY", fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// Fini runs the destructors of every committed module, in load order:
// DT_FINI_ARRAY in reverse, then DT_FINI.
func (registry *Registry) Fini() error {
	return registry.Walk(func(m *Module) error {
		fns, err := registry.array(m, m.Dynamic.FiniArray, m.Dynamic.FiniArraySz)
		if err != nil {
			return err
		}
		for i := len(fns) - 1; i >= 0; i-- {
			if err := registry.call(m, "DT_FINI_ARRAY", fns[i]); err != nil {
				return err
			}
		}
		if m.Dynamic.Fini != 0 {
			return registry.call(m, "DT_FINI", m.Dynamic.Fini)
		}
		return nil
	})
}

func (registry *Registry) call(m *Module, what string, addr uint32) error {
	level.Debug(registry.logger).Log("msg", "calling", "module", m, "what", what, "addr", hex(addr))
	if err := registry.exec.Call(addr); err != nil {
		return fmt.Errorf("%s %s 0x%08x: %w", m, what, addr, err)
	}
	return nil
}

// array reads a table of function pointers. Entries of 0 and ^0 are
// skipped.
func (registry *Registry) array(m *Module, addr, size uint32) ([]uint32, error) {
	if addr == 0 || size == 0 {
		return nil, nil
	}
	dev, err := registry.heap.Device(m.Device)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size&^3)
	if err := dev.ReadAt(buf, addr); err != nil {
		return nil, fmt.Errorf("%s: function table at 0x%08x: %w", m, addr, err)
	}
	var fns []uint32
	for i := 0; i < len(buf); i += 4 {
		if fn := le.Uint32(buf[i:]); fn != 0 && fn != ^uint32(0) {
			fns = append(fns, fn)
		}
	}
	return fns, nil
}
