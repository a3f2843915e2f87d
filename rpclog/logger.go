// Package rpclog wires a pluggable logger into the server and client so the rest
// of mini-rpc can keep logging the way the original codebase always did — a single
// Printf-shaped call site — while production binaries can swap in structured,
// leveled logging (zap) without touching any call site.
package rpclog

import (
	"log"

	"go.uber.org/zap"
)

// Logger is the minimal surface every log call site in this module needs.
// It intentionally mirrors log.Printf's signature so existing %v/%s-style call
// sites need no changes when the backing implementation changes.
type Logger interface {
	Printf(format string, args ...any)
}

// Std is the default logger: a thin wrapper over the standard library's log
// package, matching the bare `log.Printf` calls the rest of the module used
// before a logger was injectable at all.
type Std struct{}

func (Std) Printf(format string, args ...any) {
	log.Printf(format, args...)
}

// Default is used by every component that has not had SetLogger called on it.
var Default Logger = Std{}

// Zap adapts a *zap.Logger, through its SugaredLogger, to the Logger interface.
type Zap struct {
	sugared *zap.SugaredLogger
}

// NewZap wraps l for use as a mini-rpc Logger.
func NewZap(l *zap.Logger) *Zap {
	return &Zap{sugared: l.Sugar()}
}

func (z *Zap) Printf(format string, args ...any) {
	z.sugared.Infof(format, args...)
}
