package memmod

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// Thumb BL/B.W immediates count halfwords in 22 signed bits.
const (
	thumbImmBits = 22
	thumbHalfMin = -(1 << (thumbImmBits - 1))
	thumbHalfMax = 1<<(thumbImmBits-1) - 1
)

// processRelocations applies one relocation table. Patches are computed
// against a private copy of every touched word and only written once the
// whole table has been applied.
func (linker *Linker) processRelocations(addr, size, ent uint32, explicit bool) error {
	want := uint32(relSize)
	if explicit {
		want = relaSize
	}
	if ent == 0 {
		ent = want
	}
	if ent != want {
		return dlerr.New(dlerr.Format, "relocation entry size %d, expected %d", ent, want)
	}
	if size == 0 {
		return nil
	}
	raw, err := linker.read(addr, size)
	if err != nil {
		return err
	}

	pending := make(map[uint32]uint32)
	for i, r := range decodeRels(raw, ent, explicit) {
		var s uint32
		if idx := r.sym(); idx != 0 {
			if int(idx) >= len(linker.syms) {
				return dlerr.New(dlerr.Format, "relocation %d: symbol index %d out of range", i, idx)
			}
			s = linker.syms[idx].Value
		}
		p, err := linker.loader.Relocate(r.Off)
		if err != nil {
			return fmt.Errorf("relocation %d: %w", i, err)
		}
		phys, err := linker.Map(p, 4)
		if err != nil {
			return fmt.Errorf("relocation %d: %w", i, err)
		}
		word, ok := pending[phys]
		if !ok {
			var b [4]byte
			if err := linker.sess.PRead(b[:], phys); err != nil {
				return err
			}
			word = le.Uint32(b[:])
		}
		if word, err = applyARM(r.typ(), word, s, p, r.Addend, explicit); err != nil {
			return fmt.Errorf("relocation %d at 0x%08x: %w", i, p, err)
		}
		pending[phys] = word
	}

	sites := make([]uint32, 0, len(pending))
	for phys := range pending {
		sites = append(sites, phys)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	var b [4]byte
	for _, phys := range sites {
		le.PutUint32(b[:], pending[phys])
		if err := linker.sess.PWrite(b[:], phys); err != nil {
			return err
		}
	}
	return nil
}

// applyARM patches word, the 32 bits at final address p, for a relocation of
// kind typ against symbol value s. Without an explicit addend the addend is
// taken from the word itself.
func applyARM(typ elf.R_ARM, word, s, p uint32, addend int32, explicit bool) (uint32, error) {
	switch typ {
	case elf.R_ARM_ABS32, elf.R_ARM_TARGET1:
		if !explicit {
			addend = int32(word)
		}
		return s + uint32(addend), nil
	case elf.R_ARM_THM_PC22, elf.R_ARM_THM_JUMP24:
		if !explicit {
			addend = thumbBranchOffset(word)
		}
		off := int64(s) - int64(p) + int64(addend)
		half := off >> 1
		if half < thumbHalfMin || half > thumbHalfMax {
			return 0, dlerr.New(dlerr.Overflow, "%s branch of %d bytes", typ, off)
		}
		return encodeThumbBranch(word, int32(half)), nil
	}
	return 0, dlerr.New(dlerr.Relocation, "%s", typ)
}

// thumbBranchOffset decodes the byte offset held by a two-halfword Thumb
// branch. The first halfword is the low half of the little-endian word.
func thumbBranchOffset(word uint32) int32 {
	upper, lower := word&0xffff, word>>16
	imm := (upper&0x7ff)<<11 | lower&0x7ff
	return int32(imm<<(32-thumbImmBits)) >> (32 - thumbImmBits) * 2
}

// encodeThumbBranch stores half, an offset in halfwords, into the immediate
// fields of word leaving the opcode bits alone.
func encodeThumbBranch(word uint32, half int32) uint32 {
	imm := uint32(half) & (1<<thumbImmBits - 1)
	upper := word&0xffff&^0x7ff | imm>>11
	lower := word>>16&^0x7ff | imm&0x7ff
	return lower<<16 | upper
}
