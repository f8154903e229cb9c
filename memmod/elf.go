package memmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// NameMax bounds symbol and interpreter names, terminator included.
const NameMax = 64

// Sizes of the ELF32 records the linker rewrites.
const (
	progSize = 32
	dynSize  = 8
	symSize  = elf.Sym32Size
	relSize  = 8
	relaSize = 12
)

var le = binary.LittleEndian

// pointerTag reports whether a dynamic entry's value is an address.
func pointerTag(tag elf.DynTag) bool {
	switch tag {
	case elf.DT_PLTGOT, elf.DT_HASH, elf.DT_STRTAB, elf.DT_SYMTAB, elf.DT_RELA,
		elf.DT_INIT, elf.DT_FINI, elf.DT_REL, elf.DT_JMPREL,
		elf.DT_INIT_ARRAY, elf.DT_FINI_ARRAY, elf.DT_PREINIT_ARRAY:
		return true
	}
	return tag >= elf.DT_LOOS && tag <= elf.DT_HIOS && tag%2 == 0
}

// elfHash is the System V symbol hash used by DT_HASH tables.
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= 0xf0000000
	}
	return h
}

// cString extracts a NUL-terminated name from buf. full says whether buf
// was as large as the name buffer, in which case a missing terminator means
// the name is too long rather than truncated data.
func cString(buf []byte, full bool) (string, error) {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i]), nil
	}
	if full {
		return "", dlerr.New(dlerr.NameTooLong, "%q...", buf[:16])
	}
	return "", dlerr.New(dlerr.Format, "unterminated string %q", buf)
}

func decodeProgs(b []byte) []elf.Prog32 {
	progs := make([]elf.Prog32, len(b)/progSize)
	for i := range progs {
		p := b[i*progSize:]
		progs[i] = elf.Prog32{
			Type:   le.Uint32(p[0:]),
			Off:    le.Uint32(p[4:]),
			Vaddr:  le.Uint32(p[8:]),
			Paddr:  le.Uint32(p[12:]),
			Filesz: le.Uint32(p[16:]),
			Memsz:  le.Uint32(p[20:]),
			Flags:  le.Uint32(p[24:]),
			Align:  le.Uint32(p[28:]),
		}
	}
	return progs
}

func encodeProgs(progs []elf.Prog32) []byte {
	b := make([]byte, len(progs)*progSize)
	for i, p := range progs {
		o := b[i*progSize:]
		le.PutUint32(o[0:], p.Type)
		le.PutUint32(o[4:], p.Off)
		le.PutUint32(o[8:], p.Vaddr)
		le.PutUint32(o[12:], p.Paddr)
		le.PutUint32(o[16:], p.Filesz)
		le.PutUint32(o[20:], p.Memsz)
		le.PutUint32(o[24:], p.Flags)
		le.PutUint32(o[28:], p.Align)
	}
	return b
}

func decodeDyns(b []byte) []elf.Dyn32 {
	dyns := make([]elf.Dyn32, len(b)/dynSize)
	for i := range dyns {
		dyns[i] = elf.Dyn32{Tag: int32(le.Uint32(b[i*dynSize:])), Val: le.Uint32(b[i*dynSize+4:])}
	}
	return dyns
}

func encodeDyns(dyns []elf.Dyn32) []byte {
	b := make([]byte, len(dyns)*dynSize)
	for i, d := range dyns {
		le.PutUint32(b[i*dynSize:], uint32(d.Tag))
		le.PutUint32(b[i*dynSize+4:], d.Val)
	}
	return b
}

func decodeSym(b []byte) elf.Sym32 {
	return elf.Sym32{
		Name:  le.Uint32(b[0:]),
		Value: le.Uint32(b[4:]),
		Size:  le.Uint32(b[8:]),
		Info:  b[12],
		Other: b[13],
		Shndx: le.Uint16(b[14:]),
	}
}

func decodeSyms(b []byte) []elf.Sym32 {
	syms := make([]elf.Sym32, len(b)/symSize)
	for i := range syms {
		syms[i] = decodeSym(b[i*symSize:])
	}
	return syms
}

func encodeSyms(syms []elf.Sym32) []byte {
	b := make([]byte, len(syms)*symSize)
	for i, s := range syms {
		o := b[i*symSize:]
		le.PutUint32(o[0:], s.Name)
		le.PutUint32(o[4:], s.Value)
		le.PutUint32(o[8:], s.Size)
		o[12] = s.Info
		o[13] = s.Other
		le.PutUint16(o[14:], s.Shndx)
	}
	return b
}

// rel is a relocation record of either form.
type rel struct {
	Off    uint32
	Info   uint32
	Addend int32
}

func (r rel) sym() uint32    { return r.Info >> 8 }
func (r rel) typ() elf.R_ARM { return elf.R_ARM(r.Info & 0xff) }

func decodeRels(b []byte, ent uint32, explicit bool) []rel {
	rels := make([]rel, len(b)/int(ent))
	for i := range rels {
		o := b[i*int(ent):]
		rels[i] = rel{Off: le.Uint32(o[0:]), Info: le.Uint32(o[4:])}
		if explicit {
			rels[i].Addend = int32(le.Uint32(o[8:]))
		}
	}
	return rels
}
