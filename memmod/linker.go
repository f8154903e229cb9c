package memmod

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/sliverarmory/dlflash/flashheap"
	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// Dynamic is the part of a module's dynamic section the linker acts on.
// Addresses are final.
type Dynamic struct {
	Hash        uint32
	StrTab      uint32
	StrSz       uint32
	SymTab      uint32
	SymEnt      uint32
	Rela        uint32
	RelaSz      uint32
	RelaEnt     uint32
	Rel         uint32
	RelSz       uint32
	RelEnt      uint32
	Init        uint32
	Fini        uint32
	InitArray   uint32
	InitArraySz uint32
	FiniArray   uint32
	FiniArraySz uint32
	SOName      uint32
	NumSyms     uint32

	hasSOName bool
}

func (d *Dynamic) set(tag elf.DynTag, val uint32) {
	switch tag {
	case elf.DT_HASH:
		d.Hash = val
	case elf.DT_STRTAB:
		d.StrTab = val
	case elf.DT_STRSZ:
		d.StrSz = val
	case elf.DT_SYMTAB:
		d.SymTab = val
	case elf.DT_SYMENT:
		d.SymEnt = val
	case elf.DT_RELA:
		d.Rela = val
	case elf.DT_RELASZ:
		d.RelaSz = val
	case elf.DT_RELAENT:
		d.RelaEnt = val
	case elf.DT_REL:
		d.Rel = val
	case elf.DT_RELSZ:
		d.RelSz = val
	case elf.DT_RELENT:
		d.RelEnt = val
	case elf.DT_INIT:
		d.Init = val
	case elf.DT_FINI:
		d.Fini = val
	case elf.DT_INIT_ARRAY:
		d.InitArray = val
	case elf.DT_INIT_ARRAYSZ:
		d.InitArraySz = val
	case elf.DT_FINI_ARRAY:
		d.FiniArray = val
	case elf.DT_FINI_ARRAYSZ:
		d.FiniArraySz = val
	case elf.DT_SONAME:
		d.SOName, d.hasSOName = val, true
	}
}

// Linker rewrites a staged module in place. It lives for one link.
type Linker struct {
	loader *Loader
	sess   *flashheap.Session
	reg    *Registry

	phdrAddr uint32
	progs    []elf.Prog32
	dynamic  int
	interp   int
	loos     int

	dyn  Dynamic
	syms []elf.Sym32
}

func (linker *Linker) Loader() *Loader             { return linker.loader }
func (linker *Linker) Session() *flashheap.Session { return linker.sess }

// Progs returns the module's program headers with final addresses.
func (linker *Linker) Progs() []elf.Prog32 { return linker.progs }

// Dynamic returns the processed dynamic section.
func (linker *Linker) Dynamic() Dynamic { return linker.dyn }

func (linker *Linker) Relocate(word uint32) (uint32, error) { return linker.loader.Relocate(word) }

// Map translates a final virtual address of this module to the flash
// address holding the n bytes there.
func (linker *Linker) Map(vaddr, n uint32) (uint32, error) {
	phys, avail, err := linker.mapAvail(vaddr)
	if err != nil {
		return 0, err
	}
	if n > avail {
		return 0, dlerr.New(dlerr.Address, "0x%08x+%d runs past its segment", vaddr, n)
	}
	return phys, nil
}

// mapAvail is Map returning how many file-backed bytes follow vaddr.
func (linker *Linker) mapAvail(vaddr uint32) (uint32, uint32, error) {
	for _, p := range linker.progs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr-p.Vaddr < p.Filesz {
			off := vaddr - p.Vaddr
			return p.Paddr + off, p.Filesz - off, nil
		}
	}
	return 0, 0, dlerr.New(dlerr.Address, "0x%08x is not backed by any loaded segment", vaddr)
}

func (linker *Linker) read(vaddr, n uint32) ([]byte, error) {
	phys, err := linker.Map(vaddr, n)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	return b, linker.sess.PRead(b, phys)
}

// readName reads a bounded NUL-terminated name at a virtual address.
func (linker *Linker) readName(vaddr uint32) (string, error) {
	phys, avail, err := linker.mapAvail(vaddr)
	if err != nil {
		return "", err
	}
	return linker.readNameAt(phys, avail)
}

func (linker *Linker) readNameAt(phys, avail uint32) (string, error) {
	n := uint32(NameMax)
	if avail < n {
		n = avail
	}
	buf := make([]byte, n)
	if err := linker.sess.PRead(buf, phys); err != nil {
		return "", err
	}
	return cString(buf, n == NameMax)
}

func (registry *Registry) link(loader *Loader) (flashheap.Module, error) {
	l := &Linker{
		loader:  loader,
		sess:    loader.sess,
		reg:     registry,
		dynamic: -1,
		interp:  -1,
		loos:    -1,
	}
	if err := l.loadProgs(); err != nil {
		return flashheap.Module{}, err
	}
	if err := l.processDynamic(); err != nil {
		return flashheap.Module{}, err
	}
	if err := l.processSymbols(); err != nil {
		return flashheap.Module{}, err
	}
	if l.dyn.Rela != 0 {
		if err := l.processRelocations(l.dyn.Rela, l.dyn.RelaSz, l.dyn.RelaEnt, true); err != nil {
			return flashheap.Module{}, fmt.Errorf("DT_RELA: %w", err)
		}
	}
	if l.dyn.Rel != 0 {
		if err := l.processRelocations(l.dyn.Rel, l.dyn.RelSz, l.dyn.RelEnt, false); err != nil {
			return flashheap.Module{}, fmt.Errorf("DT_REL: %w", err)
		}
	}

	var post PostLinkFunc
	if l.interp >= 0 {
		p := l.progs[l.interp]
		name, err := l.readNameAt(p.Paddr, p.Filesz)
		if err != nil {
			return flashheap.Module{}, fmt.Errorf("PT_INTERP: %w", err)
		}
		fn, ok := l.reg.Interpreter(name)
		if !ok {
			return flashheap.Module{}, dlerr.New(dlerr.Interpreter, "%s", name)
		}
		if err := fn(l, &post); err != nil {
			return flashheap.Module{}, fmt.Errorf("interpreter %s: %w", name, err)
		}
	}

	if l.loos >= 0 {
		if err := l.sess.Trim(l.progs[l.loos].Paddr); err != nil {
			return flashheap.Module{}, err
		}
	}

	l.sess.SetEntry(l.progs[l.dynamic].Vaddr)
	m, err := l.sess.Close()
	if err != nil {
		return flashheap.Module{}, err
	}
	level.Debug(registry.logger).Log("msg", "module linked", "addr", hex(m.Addr), "symbols", len(l.syms), "entry", hex(m.Header.Entry))
	if post != nil {
		if err := post(m); err != nil {
			return m, fmt.Errorf("post-link: %w", err)
		}
	}
	return m, nil
}

// loadProgs finds the module's program headers through the trailer at the
// end of the staged image, rewrites them to final addresses and sizes the
// session to the loaded segments.
func (linker *Linker) loadProgs() error {
	end := linker.sess.FlashEnd() &^ 3
	if end < linker.sess.FlashStart()+flashheap.HeaderSize+8 {
		return dlerr.New(dlerr.Format, "staged image too small for a trailer")
	}
	var tr [8]byte
	if err := linker.sess.PRead(tr[:], end-8); err != nil {
		return err
	}
	vaddr, check := le.Uint32(tr[0:]), le.Uint32(tr[4:])
	if vaddr != ^check {
		return dlerr.New(dlerr.Format, "corrupt trailer (0x%08x, 0x%08x)", vaddr, check)
	}
	ptr, err := flashheap.DecodePtr(vaddr)
	if err != nil {
		return err
	}
	if ptr.Region != flashheap.Flash {
		return dlerr.New(dlerr.Format, "program headers at %s are not in flash", ptr)
	}
	addr, err := linker.loader.resolve(ptr)
	if err != nil {
		return err
	}

	var first [progSize]byte
	if err := linker.sess.PRead(first[:], addr); err != nil {
		return err
	}
	self := decodeProgs(first[:])[0]
	if elf.ProgType(self.Type) != elf.PT_PHDR {
		return dlerr.New(dlerr.Format, "program header at 0x%08x has type %s, expected PT_PHDR", addr, elf.ProgType(self.Type))
	}
	if self.Filesz == 0 || self.Filesz%progSize != 0 {
		return dlerr.New(dlerr.Format, "PT_PHDR size %d", self.Filesz)
	}
	raw := make([]byte, self.Filesz)
	if err := linker.sess.PRead(raw, addr); err != nil {
		return err
	}
	linker.phdrAddr = addr
	linker.progs = decodeProgs(raw)

	for i := range linker.progs {
		p := &linker.progs[i]
		typ := elf.ProgType(p.Type)
		switch typ {
		case elf.PT_LOAD, elf.PT_PHDR, elf.PT_DYNAMIC, elf.PT_INTERP, elf.PT_LOOS:
		default:
			continue
		}
		if p.Paddr, err = linker.loader.Relocate(p.Paddr); err != nil {
			return fmt.Errorf("program header %d (%s) paddr: %w", i, typ, err)
		}
		if p.Vaddr, err = linker.loader.Relocate(p.Vaddr); err != nil {
			return fmt.Errorf("program header %d (%s) vaddr: %w", i, typ, err)
		}
		switch typ {
		case elf.PT_LOAD:
			if err := linker.extend(p.Vaddr, p.Memsz); err != nil {
				return fmt.Errorf("program header %d: %w", i, err)
			}
		case elf.PT_DYNAMIC:
			linker.dynamic = i
		case elf.PT_INTERP:
			linker.interp = i
		case elf.PT_LOOS:
			linker.loos = i
		}
	}
	if linker.dynamic < 0 {
		return dlerr.New(dlerr.Format, "no PT_DYNAMIC program header")
	}
	return linker.sess.PWrite(encodeProgs(linker.progs), addr)
}

// extend grows the module's flash or RAM footprint to cover a segment.
func (linker *Linker) extend(vaddr, memsz uint32) error {
	end := uint64(vaddr) + uint64(memsz)
	switch {
	case vaddr >= linker.sess.FlashStart() && vaddr < linker.sess.FlashLimit():
		if end >= uint64(linker.sess.FlashLimit()) {
			return dlerr.New(dlerr.NoSpace, "segment 0x%08x+0x%x past the flash limit", vaddr, memsz)
		}
		if uint32(end) > linker.sess.FlashEnd() {
			return linker.sess.Seek(uint32(end))
		}
		return nil
	case vaddr >= linker.sess.RAMStart() && vaddr < linker.sess.RAMLimit():
		if end > uint64(linker.sess.RAMLimit()) {
			return dlerr.New(dlerr.NoSpace, "segment 0x%08x+0x%x past the RAM limit", vaddr, memsz)
		}
		return linker.sess.SetRAM(uint32(end))
	}
	return dlerr.New(dlerr.Address, "segment at 0x%08x is outside the module", vaddr)
}

// processDynamic rewrites every pointer of the dynamic section to its final
// address and records what later phases need.
func (linker *Linker) processDynamic() error {
	p := linker.progs[linker.dynamic]
	n := p.Filesz / dynSize
	raw := make([]byte, n*dynSize)
	if err := linker.sess.PRead(raw, p.Paddr); err != nil {
		return err
	}
	dyns := decodeDyns(raw)
	d := &linker.dyn
	for i := range dyns {
		e := &dyns[i]
		tag := elf.DynTag(e.Tag)
		if tag == elf.DT_NULL {
			break
		}
		if pointerTag(tag) {
			v, err := linker.loader.Relocate(e.Val)
			if err != nil {
				return fmt.Errorf("dynamic entry %d (%s): %w", i, tag, err)
			}
			e.Val = v
		}
		d.set(tag, e.Val)
	}
	if err := linker.sess.PWrite(encodeDyns(dyns), p.Paddr); err != nil {
		return err
	}
	if d.hasSOName {
		if d.StrTab == 0 || d.StrSz != 0 && d.SOName >= d.StrSz {
			return dlerr.New(dlerr.Format, "DT_SONAME offset 0x%x past DT_STRSZ %d", d.SOName, d.StrSz)
		}
		if _, err := linker.readName(d.StrTab + d.SOName); err != nil {
			return fmt.Errorf("DT_SONAME: %w", err)
		}
	}
	if d.Hash != 0 {
		b, err := linker.read(d.Hash, 8)
		if err != nil {
			return fmt.Errorf("DT_HASH: %w", err)
		}
		d.NumSyms = le.Uint32(b[4:])
	}
	return nil
}
