package memmod

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// processSymbols binds every undefined symbol of the module and rewrites
// every defined one to its final address. All entries end up SHN_ABS.
func (linker *Linker) processSymbols() error {
	d := linker.dyn
	if d.Hash == 0 || d.SymTab == 0 || d.StrTab == 0 || d.SymEnt == 0 {
		return nil
	}
	if d.SymEnt != symSize {
		return dlerr.New(dlerr.Format, "DT_SYMENT is %d, expected %d", d.SymEnt, symSize)
	}
	if d.NumSyms == 0 {
		return nil
	}
	addr, err := linker.Map(d.SymTab, d.NumSyms*symSize)
	if err != nil {
		return fmt.Errorf("DT_SYMTAB: %w", err)
	}
	raw := make([]byte, d.NumSyms*symSize)
	if err := linker.sess.PRead(raw, addr); err != nil {
		return err
	}
	syms := decodeSyms(raw)

	for i := 1; i < len(syms); i++ {
		s := &syms[i]
		switch {
		case elf.SectionIndex(s.Shndx) == elf.SHN_UNDEF:
			name, err := linker.symbolName(s.Name)
			if err != nil {
				return fmt.Errorf("symbol %d: %w", i, err)
			}
			v, provider, ok, err := linker.reg.resolve(name, ScopeAll)
			if err != nil {
				return fmt.Errorf("symbol %s: %w", name, err)
			}
			if !ok {
				return dlerr.New(dlerr.Unresolved, "%s", name)
			}
			level.Debug(linker.reg.logger).Log("msg", "symbol bound", "symbol", name, "provider", provider, "addr", hex(v))
			linker.reg.metrics.SymbolsResolved.WithLabelValues(provider).Inc()
			s.Value = v
		case elf.SectionIndex(s.Shndx) < elf.SHN_LORESERVE:
			v, err := linker.loader.Relocate(s.Value)
			if err != nil {
				return dlerr.Wrap(dlerr.Address, err, "bad symbol address 0x%08x", s.Value)
			}
			s.Value = v
		default:
			continue
		}
		s.Shndx = uint16(elf.SHN_ABS)
	}

	if err := linker.sess.PWrite(encodeSyms(syms), addr); err != nil {
		return err
	}
	linker.syms = syms
	return nil
}

func (linker *Linker) symbolName(off uint32) (string, error) {
	if linker.dyn.StrSz != 0 && off >= linker.dyn.StrSz {
		return "", dlerr.New(dlerr.Format, "name offset %d past DT_STRSZ %d", off, linker.dyn.StrSz)
	}
	return linker.readName(linker.dyn.StrTab + off)
}
