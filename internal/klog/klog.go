// Package klog is the ambient logging facade shared by every kernelcore
// subsystem. It wraps a logiface.Logger[*stumpy.Event] — the same
// logger/backend pairing the teacher's go-eventloop module uses — so that
// frame, slab, btree, kthread and workqueue never talk to an io.Writer
// directly.
package klog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type passed around the kernel core. It is
// a thin rename of the generic logiface.Logger instantiated over stumpy's
// zero-allocation JSON event, so call sites never spell out the generic
// instantiation.
type Logger struct {
	l *logiface.Logger[*stumpy.Event]
}

// New builds a Logger writing newline-delimited JSON to w at the given
// minimum level. A nil w defaults to os.Stderr.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		l: stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
			stumpy.L.WithLevel(level),
		),
	}
}

// Nop returns a Logger that discards everything; used in tests and as the
// default when kernel.Config.Logger is nil.
func Nop() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}

// With returns a child logger with a string field attached to every
// subsequent event, mirroring logiface.Logger.Clone-based child loggers.
func (x *Logger) With(key, value string) *Logger {
	child := x.l.Clone().Str(key, value).Logger()
	return &Logger{l: child}
}

func (x *Logger) Emerg(msg string)   { x.l.Emerg().Log(msg) }
func (x *Logger) Err(msg string)     { x.l.Err().Log(msg) }
func (x *Logger) Warning(msg string) { x.l.Warning().Log(msg) }
func (x *Logger) Info(msg string)    { x.l.Info().Log(msg) }
func (x *Logger) Debug(msg string)   { x.l.Debug().Log(msg) }

// Errf logs msg at error level with err attached as the "err" field.
func (x *Logger) Errf(err error, msg string) {
	x.l.Err().Err(err).Log(msg)
}

// Infof logs an info event with one integer field, the common case for
// accounting/stat logging (frames freed, objects reclaimed, workers
// spawned) across the allocators and the work queue.
func (x *Logger) Infof(msg string, key string, n int) {
	x.l.Info().Int(key, n).Log(msg)
}
