package memmod

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/dlflash/flashheap"
)

var (
	testFlash = flashheap.DeviceConfig{
		Path:    "/dev/mtdblock0",
		Base:    0x10100000,
		Size:    0x10000,
		RAMBase: 0x20030000,
		RAMSize: 0x4000,
	}
	testPSRAM = flashheap.DeviceConfig{
		Path:    "/dev/psram0",
		Base:    0x18000000,
		Size:    0x8000,
		RAMBase: 0x20038000,
		RAMSize: 0x1000,
	}
)

// Fixed flash offsets of the fixture layout, relative to the module header.
const (
	fixtureData  = 0x20
	fixtureCode  = 0x40
	fixtureFile  = 0x40 // file offset of flash offset 0
	fixtureMemsz = 0x40 // RAM reserved by the data segment
)

type fixtureSym struct {
	name  string
	value uint32 // encoded pointer, or absolute for SHN_ABS
	bind  elf.SymBind
	vis   elf.SymVis
	shndx elf.SectionIndex
}

type fixtureRel struct {
	off    uint32 // encoded pointer of the patch site
	sym    int    // index into fixture.syms, 1-based like the symbol table
	typ    elf.R_ARM
	addend int32
}

// fixture describes a loadable module. Everything not set is left out of
// the image.
type fixture struct {
	soname    string
	sonameOff uint32 // overrides the DT_SONAME value when set
	interp    string
	code      []byte
	data      []byte
	syms      []fixtureSym
	rela      []fixtureRel
	rel       []fixtureRel
	init      uint32
	fini      uint32
	initArray []uint32
	finiArray []uint32
	noLoos    bool
	noPhdr    bool
	machine   elf.Machine

	// Filled in by build.
	dynOff  uint32
	phdrOff uint32
}

func defined(name string, off uint32) fixtureSym {
	return fixtureSym{name: name, value: flashheap.EncodeFlash(off), bind: elf.STB_GLOBAL, shndx: 1}
}

func undefined(name string) fixtureSym {
	return fixtureSym{name: name, bind: elf.STB_GLOBAL}
}

type imageWriter struct {
	b []byte
}

func (w *imageWriter) at(off uint32) []byte {
	if need := int(off) + 64; need > len(w.b) {
		w.b = append(w.b, make([]byte, need-len(w.b))...)
	}
	return w.b[off:]
}

func (w *imageWriter) put32(off, v uint32) { binary.LittleEndian.PutUint32(w.at(off), v) }

func (w *imageWriter) put(off uint32, p []byte) {
	w.at(off + uint32(len(p)))
	copy(w.b[off:], p)
}

func align4(v uint32) uint32 { return (v + 3) &^ 3 }

// build lays the module out the way the toolchain does for flash-resident
// modules: a data segment whose load image sits in flash, then one flash
// segment holding code, dynamic section, hash table, symbols, strings,
// relocations, its own program headers and the trailer.
func (f *fixture) build(t *testing.T) []byte {
	t.Helper()
	data := f.data
	if data == nil {
		data = make([]byte, 8)
	}
	require.LessOrEqual(t, fixtureData+len(data), fixtureCode)
	code := f.code
	if code == nil {
		code = make([]byte, 16)
	}

	strtab := []byte{0}
	addStr := func(s string) uint32 {
		off := uint32(len(strtab))
		strtab = append(append(strtab, s...), 0)
		return off
	}
	var soname uint32
	if f.soname != "" {
		soname = addStr(f.soname)
	}
	if f.sonameOff != 0 {
		soname = f.sonameOff
	}
	names := make([]uint32, len(f.syms))
	for i, s := range f.syms {
		names[i] = addStr(s.name)
	}

	type dyn struct {
		tag elf.DynTag
		val uint32
	}
	var dyns []dyn
	var img imageWriter

	nsyms := uint32(len(f.syms) + 1)
	const nbucket = 3
	pos := align4(fixtureCode + uint32(len(code)))

	ndyn := 6 // HASH STRTAB STRSZ SYMTAB SYMENT NULL
	if f.soname != "" {
		ndyn++
	}
	if len(f.rela) > 0 {
		ndyn += 3
	}
	if len(f.rel) > 0 {
		ndyn += 3
	}
	if f.init != 0 {
		ndyn++
	}
	if f.fini != 0 {
		ndyn++
	}
	if len(f.initArray) > 0 {
		ndyn += 2
	}
	if len(f.finiArray) > 0 {
		ndyn += 2
	}
	f.dynOff = pos
	pos += uint32(ndyn) * dynSize

	hashOff := pos
	pos += 8 + 4*nbucket + 4*nsyms
	symOff := pos
	pos += nsyms * symSize
	strOff := pos
	pos = align4(pos + uint32(len(strtab)))
	relaOff := pos
	pos += uint32(len(f.rela)) * relaSize
	relOff := pos
	pos += uint32(len(f.rel)) * relSize
	initArrOff := pos
	pos += 4 * uint32(len(f.initArray))
	finiArrOff := pos
	pos += 4 * uint32(len(f.finiArray))
	interpOff := pos
	if f.interp != "" {
		pos = align4(pos + uint32(len(f.interp)) + 1)
	}
	f.phdrOff = pos

	dyns = append(dyns,
		dyn{elf.DT_HASH, flashheap.EncodeFlash(hashOff)},
		dyn{elf.DT_STRTAB, flashheap.EncodeFlash(strOff)},
		dyn{elf.DT_STRSZ, uint32(len(strtab))},
		dyn{elf.DT_SYMTAB, flashheap.EncodeFlash(symOff)},
		dyn{elf.DT_SYMENT, symSize},
	)
	if f.soname != "" {
		dyns = append(dyns, dyn{elf.DT_SONAME, soname})
	}
	if len(f.rela) > 0 {
		dyns = append(dyns,
			dyn{elf.DT_RELA, flashheap.EncodeFlash(relaOff)},
			dyn{elf.DT_RELASZ, uint32(len(f.rela)) * relaSize},
			dyn{elf.DT_RELAENT, relaSize},
		)
	}
	if len(f.rel) > 0 {
		dyns = append(dyns,
			dyn{elf.DT_REL, flashheap.EncodeFlash(relOff)},
			dyn{elf.DT_RELSZ, uint32(len(f.rel)) * relSize},
			dyn{elf.DT_RELENT, relSize},
		)
	}
	if f.init != 0 {
		dyns = append(dyns, dyn{elf.DT_INIT, f.init})
	}
	if f.fini != 0 {
		dyns = append(dyns, dyn{elf.DT_FINI, f.fini})
	}
	if len(f.initArray) > 0 {
		dyns = append(dyns,
			dyn{elf.DT_INIT_ARRAY, flashheap.EncodeFlash(initArrOff)},
			dyn{elf.DT_INIT_ARRAYSZ, 4 * uint32(len(f.initArray))},
		)
	}
	if len(f.finiArray) > 0 {
		dyns = append(dyns,
			dyn{elf.DT_FINI_ARRAY, flashheap.EncodeFlash(finiArrOff)},
			dyn{elf.DT_FINI_ARRAYSZ, 4 * uint32(len(f.finiArray))},
		)
	}
	dyns = append(dyns, dyn{elf.DT_NULL, 0})
	require.Len(t, dyns, ndyn)

	img.put(fixtureData, data)
	img.put(fixtureCode, code)
	for i, d := range dyns {
		img.put32(f.dynOff+uint32(i)*dynSize, uint32(d.tag))
		img.put32(f.dynOff+uint32(i)*dynSize+4, d.val)
	}

	// SysV hash table over every symbol.
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nsyms)
	for i, s := range f.syms {
		idx := uint32(i + 1)
		h := elfHash(s.name) % nbucket
		chains[idx] = buckets[h]
		buckets[h] = idx
	}
	img.put32(hashOff, nbucket)
	img.put32(hashOff+4, nsyms)
	for i, b := range buckets {
		img.put32(hashOff+8+uint32(i)*4, b)
	}
	for i, c := range chains {
		img.put32(hashOff+8+4*nbucket+uint32(i)*4, c)
	}

	for i, s := range f.syms {
		o := symOff + uint32(i+1)*symSize
		img.put32(o, names[i])
		img.put32(o+4, s.value)
		typ := elf.STT_FUNC
		if s.shndx == elf.SHN_UNDEF {
			typ = elf.STT_NOTYPE
		}
		b := img.at(o)
		b[12] = elf.ST_INFO(s.bind, typ)
		b[13] = byte(s.vis)
		binary.LittleEndian.PutUint16(b[14:], uint16(s.shndx))
	}
	img.put(strOff, strtab)

	for i, r := range f.rela {
		o := relaOff + uint32(i)*relaSize
		img.put32(o, r.off)
		img.put32(o+4, uint32(r.sym)<<8|uint32(r.typ))
		img.put32(o+8, uint32(r.addend))
	}
	for i, r := range f.rel {
		o := relOff + uint32(i)*relSize
		img.put32(o, r.off)
		img.put32(o+4, uint32(r.sym)<<8|uint32(r.typ))
	}
	for i, fn := range f.initArray {
		img.put32(initArrOff+uint32(i)*4, fn)
	}
	for i, fn := range f.finiArray {
		img.put32(finiArrOff+uint32(i)*4, fn)
	}
	if f.interp != "" {
		img.put(interpOff, append([]byte(f.interp), 0))
	}

	progs := []elf.Prog32{
		{Type: uint32(elf.PT_PHDR), Flags: uint32(elf.PF_R), Align: 4},
		{Type: uint32(elf.PT_LOAD), Off: fixtureFile + fixtureData, Vaddr: flashheap.EncodeRAM(0),
			Paddr: flashheap.EncodeFlash(fixtureData), Filesz: uint32(len(data)), Memsz: fixtureMemsz,
			Flags: uint32(elf.PF_R | elf.PF_W), Align: 4},
		{Type: uint32(elf.PT_LOAD), Off: fixtureFile + fixtureCode, Vaddr: flashheap.EncodeFlash(fixtureCode),
			Paddr: flashheap.EncodeFlash(fixtureCode), Flags: uint32(elf.PF_R | elf.PF_X), Align: 4},
		{Type: uint32(elf.PT_DYNAMIC), Off: fixtureFile + f.dynOff, Vaddr: flashheap.EncodeFlash(f.dynOff),
			Paddr: flashheap.EncodeFlash(f.dynOff), Filesz: uint32(len(dyns)) * dynSize,
			Memsz: uint32(len(dyns)) * dynSize, Flags: uint32(elf.PF_R), Align: 4},
	}
	if !f.noLoos {
		progs = append(progs, elf.Prog32{Type: uint32(elf.PT_LOOS), Off: fixtureFile + f.phdrOff,
			Vaddr: flashheap.EncodeFlash(f.phdrOff), Paddr: flashheap.EncodeFlash(f.phdrOff)})
	}
	if f.interp != "" {
		n := uint32(len(f.interp)) + 1
		progs = append(progs, elf.Prog32{Type: uint32(elf.PT_INTERP), Off: fixtureFile + interpOff,
			Vaddr: flashheap.EncodeFlash(interpOff), Paddr: flashheap.EncodeFlash(interpOff),
			Filesz: n, Memsz: n, Flags: uint32(elf.PF_R), Align: 1})
	}
	phdrSize := uint32(len(progs)) * progSize
	progs[0].Off = fixtureFile + f.phdrOff
	progs[0].Vaddr = flashheap.EncodeFlash(f.phdrOff)
	progs[0].Paddr = progs[0].Vaddr
	progs[0].Filesz, progs[0].Memsz = phdrSize, phdrSize
	if f.noPhdr {
		progs[0].Type = uint32(elf.PT_NOTE)
	}

	trailer := f.phdrOff + phdrSize
	end := trailer + 8
	progs[2].Filesz = end - fixtureCode
	progs[2].Memsz = progs[2].Filesz

	img.put(f.phdrOff, encodeProgs(progs))
	img.put32(trailer, progs[0].Vaddr)
	img.put32(trailer+4, ^progs[0].Vaddr)

	machine := f.machine
	if machine == 0 {
		machine = elf.EM_ARM
	}
	out := make([]byte, fixtureFile+end)
	copy(out[fixtureFile:], img.b[:end])
	copy(out[:4], elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(elf.ET_EXEC))
	le.PutUint16(out[18:], uint16(machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint32(out[24:], flashheap.EncodeFlash(fixtureCode))
	le.PutUint32(out[28:], fixtureFile+f.phdrOff)
	le.PutUint16(out[40:], 52)
	le.PutUint16(out[42:], progSize)
	le.PutUint16(out[44:], uint16(len(progs)))
	le.PutUint16(out[46:], 40)
	return out
}

type testEnv struct {
	fs   afero.Fs
	heap *flashheap.Heap
	host *Host
	reg  *Registry
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	var devs []*flashheap.Device
	for i, cfg := range []flashheap.DeviceConfig{testFlash, testPSRAM} {
		d, err := flashheap.OpenDevice(fs, i, cfg)
		require.NoError(t, err)
		devs = append(devs, d)
	}
	h, err := flashheap.New(nil, devs...)
	require.NoError(t, err)
	for _, d := range devs {
		require.NoError(t, h.Format(d.Index))
	}
	t.Cleanup(func() { _ = h.Close() })
	host := NewHost()
	return &testEnv{fs: fs, heap: h, host: host, reg: NewRegistry(h, host, opts...)}
}

func (e *testEnv) write(t *testing.T, path string, img []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(e.fs, path, img, 0o644))
}

func (e *testEnv) load(t *testing.T, f *fixture, dev int) LoadStats {
	t.Helper()
	e.write(t, "/module.elf", f.build(t))
	st, err := e.reg.LoadFile(e.fs, "/module.elf", dev)
	require.NoError(t, err)
	return st
}

func (e *testEnv) word(t *testing.T, dev int, addr uint32) uint32 {
	t.Helper()
	d, err := e.heap.Device(dev)
	require.NoError(t, err)
	var b [4]byte
	require.NoError(t, d.ReadAt(b[:], addr))
	return binary.LittleEndian.Uint32(b[:])
}
