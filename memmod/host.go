package memmod

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/sliverarmory/dlflash/flashheap"
)

// PostLinkFunc runs once a module is committed to its chain.
type PostLinkFunc func(m flashheap.Module) error

// InterpFunc handles a module whose PT_INTERP names it. It runs after
// relocation and before the module is committed, and may set *post.
type InterpFunc func(l *Linker, post *PostLinkFunc) error

// Host is the image that is always present: the firmware's own exported
// symbols and the interpreter hooks it provides.
type Host struct {
	symbols map[string]uint32
	interps map[string]InterpFunc
}

func NewHost() *Host {
	return &Host{
		symbols: make(map[string]uint32),
		interps: make(map[string]InterpFunc),
	}
}

// Define exports addr from the host image as name.
func (host *Host) Define(name string, addr uint32) {
	host.symbols[name] = addr
}

// DefineInterpreter registers fn under the PT_INTERP name.
func (host *Host) DefineInterpreter(name string, fn InterpFunc) {
	host.interps[name] = fn
}

func (host *Host) Lookup(name string) (uint32, bool) {
	if host == nil {
		return 0, false
	}
	addr, ok := host.symbols[name]
	return addr, ok
}

func (host *Host) Interpreter(name string) (InterpFunc, bool) {
	if host == nil {
		return nil, false
	}
	fn, ok := host.interps[name]
	return fn, ok
}

// Len returns the number of exported symbols.
func (host *Host) Len() int {
	if host == nil {
		return 0
	}
	return len(host.symbols)
}

// LoadHostELF builds a Host from the firmware image the modules run
// against: every global or weak defined symbol of its symbol tables.
func LoadHostELF(fs afero.Fs, path string) (*Host, error) {
	fp, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open host image %s: %w", path, err)
	}
	defer fp.Close()

	f, err := elf.NewFile(fp)
	if err != nil {
		return nil, fmt.Errorf("host image %s: %w", path, err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_ARM {
		return nil, fmt.Errorf("host image %s: foreign platform (%s, %s)", path, f.Class, f.Machine)
	}

	h := NewHost()
	if syms, err := f.Symbols(); err == nil {
		h.addSymbols(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		h.addSymbols(syms)
	}
	if h.Len() == 0 {
		return nil, fmt.Errorf("host image %s: no exported symbols", path)
	}
	return h, nil
}

func (host *Host) addSymbols(symbols []elf.Symbol) {
	for _, s := range symbols {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_BIND(s.Info) {
		case elf.STB_GLOBAL, elf.STB_WEAK:
		default:
			continue
		}
		if elf.ST_VISIBILITY(s.Other) != elf.STV_DEFAULT {
			continue
		}
		name := s.Name
		if i := strings.IndexByte(name, '@'); i > 0 {
			name = name[:i]
		}
		// Strong symbols shadow weak ones.
		if _, ok := host.symbols[name]; ok && elf.ST_BIND(s.Info) == elf.STB_WEAK {
			continue
		}
		host.symbols[name] = uint32(s.Value)
	}
}
