package memmod

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Executor runs code at an address of a committed module: constructors,
// destructors and entry points. On target this is a trampoline into the
// module; on a host it is an emulator or a recorder.
type Executor interface {
	Call(addr uint32) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(addr uint32) error

func (f ExecutorFunc) Call(addr uint32) error { return f(addr) }

type logExecutor struct {
	logger log.Logger
}

func (e logExecutor) Call(addr uint32) error {
	level.Debug(e.logger).Log("msg", "no executor configured, skipping call", "addr", hex(addr))
	return nil
}
