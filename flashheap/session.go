package flashheap

import (
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/sliverarmory/dlflash/internal/dlerr"
)

// Session is a module being staged at the tail of one device. Nothing a
// session writes is reachable from the chain until Close succeeds.
type Session struct {
	heap *Heap
	dev  *Device
	typ  uint32

	flashStart uint32
	flashEnd   uint32
	flashPos   uint32

	ramStart uint32
	ramEnd   uint32

	entry  uint32
	unlock func()
	done   bool
}

func (session *Session) Device() *Device { return session.dev }

// FlashStart is the address of the module header; flash offsets of the
// module are relative to it.
func (session *Session) FlashStart() uint32 { return session.flashStart }
func (session *Session) FlashEnd() uint32   { return session.flashEnd }
func (session *Session) FlashPos() uint32   { return session.flashPos }
func (session *Session) FlashLimit() uint32 { return session.dev.Limit() }

// RAMStart is the base of the module's RAM reservation; RAM offsets of the
// module are relative to it.
func (session *Session) RAMStart() uint32 { return session.ramStart }
func (session *Session) RAMEnd() uint32   { return session.ramEnd }
func (session *Session) RAMLimit() uint32 { return session.dev.RAMLimit() }

func (session *Session) payloadStart() uint32 { return session.flashStart + HeaderSize }

func (session *Session) check() error {
	if session.done {
		return dlerr.New(dlerr.Invalid, "session on device %d is closed", session.dev.Index)
	}
	return nil
}

// Seek moves the write cursor to pos, extending the staged region.
func (session *Session) Seek(pos uint32) error {
	if err := session.check(); err != nil {
		return err
	}
	if pos < session.payloadStart() {
		return dlerr.New(dlerr.Invalid, "seek to 0x%08x before module payload 0x%08x", pos, session.payloadStart())
	}
	if pos >= session.dev.Limit() {
		return dlerr.New(dlerr.NoSpace, "seek to 0x%08x past device limit 0x%08x", pos, session.dev.Limit())
	}
	session.flashPos = pos
	if pos > session.flashEnd {
		session.flashEnd = pos
	}
	return nil
}

// SetRAM grows the module's RAM reservation to end at pos.
func (session *Session) SetRAM(pos uint32) error {
	if err := session.check(); err != nil {
		return err
	}
	if pos < session.ramStart {
		return dlerr.New(dlerr.Invalid, "RAM end 0x%08x before reservation start 0x%08x", pos, session.ramStart)
	}
	if pos > session.dev.RAMLimit() {
		return dlerr.New(dlerr.NoSpace, "RAM end 0x%08x past RAM limit 0x%08x", pos, session.dev.RAMLimit())
	}
	if pos > session.ramEnd {
		session.ramEnd = pos
	}
	return nil
}

// Write stages p at the cursor and advances it.
func (session *Session) Write(p []byte) (int, error) {
	if err := session.check(); err != nil {
		return 0, err
	}
	if uint64(session.flashPos)+uint64(len(p)) > uint64(session.dev.Limit()) {
		return 0, dlerr.New(dlerr.NoSpace, "write of %d bytes at 0x%08x", len(p), session.flashPos)
	}
	if err := session.dev.WriteAt(p, session.flashPos); err != nil {
		return 0, err
	}
	session.flashPos += uint32(len(p))
	if session.flashPos > session.flashEnd {
		session.flashEnd = session.flashPos
	}
	return len(p), nil
}

// Read reads staged bytes at the cursor and advances it.
func (session *Session) Read(p []byte) (int, error) {
	if err := session.check(); err != nil {
		return 0, err
	}
	if uint64(session.flashPos)+uint64(len(p)) > uint64(session.dev.Limit()) {
		return 0, dlerr.New(dlerr.NoSpace, "read of %d bytes at 0x%08x", len(p), session.flashPos)
	}
	if err := session.dev.ReadAt(p, session.flashPos); err != nil {
		return 0, err
	}
	session.flashPos += uint32(len(p))
	if session.flashPos > session.flashEnd {
		session.flashEnd = session.flashPos
	}
	return len(p), nil
}

// PRead reads len(p) bytes at addr without moving the cursor.
func (session *Session) PRead(p []byte, addr uint32) error {
	if err := session.check(); err != nil {
		return err
	}
	if addr < session.flashStart || uint64(addr)+uint64(len(p)) > uint64(session.dev.Limit()) {
		return dlerr.New(dlerr.Address, "read of %d bytes at 0x%08x outside module", len(p), addr)
	}
	return session.dev.ReadAt(p, addr)
}

// PWrite writes p at addr without moving the cursor.
func (session *Session) PWrite(p []byte, addr uint32) error {
	if err := session.check(); err != nil {
		return err
	}
	if addr < session.payloadStart() || uint64(addr)+uint64(len(p)) > uint64(session.dev.Limit()) {
		return dlerr.New(dlerr.Address, "write of %d bytes at 0x%08x outside module payload", len(p), addr)
	}
	return session.dev.WriteAt(p, addr)
}

// Trim discards everything staged at or after pos.
func (session *Session) Trim(pos uint32) error {
	if err := session.check(); err != nil {
		return err
	}
	if pos < session.payloadStart() || pos > session.flashEnd {
		return dlerr.New(dlerr.Invalid, "trim to 0x%08x outside staged region [0x%08x, 0x%08x]", pos, session.payloadStart(), session.flashEnd)
	}
	if err := session.dev.Erase(pos, session.flashEnd); err != nil {
		return err
	}
	session.flashEnd = pos
	if session.flashPos > pos {
		session.flashPos = pos
	}
	return nil
}

// SetEntry records the module entry written into the header on Close.
func (session *Session) SetEntry(addr uint32) { session.entry = addr }

// Close commits the module: the new sentinel goes down first, then the
// module header that links it, then the device is synced. Only then does
// the heap's tail move. On failure the session is discarded and the chain
// is left as it was.
func (session *Session) Close() (Module, error) {
	if err := session.check(); err != nil {
		return Module{}, err
	}
	size := alignUp(session.flashEnd-session.flashStart, ModuleAlign)
	next := session.flashStart + size
	if uint64(next)+HeaderSize > uint64(session.dev.Limit()) {
		return Module{}, session.abort(dlerr.New(dlerr.NoSpace, "module of %d bytes does not fit on device %d", size, session.dev.Index))
	}
	hdr := Header{
		Type:      session.typ,
		FlashSize: size,
		RAMSize:   session.ramEnd - session.ramStart,
		RAMBase:   session.ramStart,
		Entry:     session.entry,
	}
	sentinel := Header{Type: TypeSentinel, RAMBase: alignUp(session.ramEnd, ModuleAlign)}
	if sentinel.RAMBase > session.dev.RAMLimit() {
		sentinel.RAMBase = session.dev.RAMLimit()
	}
	if err := session.dev.writeHeader(next, sentinel); err != nil {
		return Module{}, session.abort(err)
	}
	if err := session.dev.writeHeader(session.flashStart, hdr); err != nil {
		return Module{}, session.abort(err)
	}
	if err := session.dev.Sync(); err != nil {
		return Module{}, session.abort(err)
	}
	i := session.dev.Index
	session.heap.tails[i], session.heap.tailKnown[i] = next, true
	session.release()
	level.Info(session.heap.logger).Log("msg", "module committed", "device", i, "addr", hex(session.flashStart), "flash_size", hdr.FlashSize, "ram_size", hdr.RAMSize, "entry", hex(hdr.Entry))
	return Module{Device: i, Addr: session.flashStart, Header: hdr}, nil
}

func (session *Session) abort(err error) error {
	if ferr := session.Free(); ferr != nil {
		return multierror.Append(err, ferr)
	}
	return err
}

// Free discards the session without committing. Staged bytes are erased.
func (session *Session) Free() error {
	if session.done {
		return nil
	}
	end := alignUp(session.flashEnd, ModuleAlign) + HeaderSize
	if end > session.dev.Limit() {
		end = session.dev.Limit()
	}
	err := session.dev.Erase(session.payloadStart(), end)
	session.release()
	level.Debug(session.heap.logger).Log("msg", "flash heap session discarded", "device", session.dev.Index, "flash_start", hex(session.flashStart))
	return err
}

func (session *Session) release() {
	session.done = true
	if session.unlock != nil {
		session.unlock()
	}
	if session.heap.sessions[session.dev.Index] == session {
		session.heap.sessions[session.dev.Index] = nil
	}
}

func hex(v uint32) string {
	return fmt.Sprintf("0x%08x", v)
}
