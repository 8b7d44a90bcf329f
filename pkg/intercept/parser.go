// Package intercept implements the competing-interceptors scheduler: the
// event loop that owns a connection's two shadow buffers, races every
// registered Parser's Instance over them, and hands the sockets off to raw
// splicing once the race settles on a protocol (or nothing matches).
package intercept

import (
	"context"

	"github.com/streamrelay/streamrelay/pkg/shadowbuf"
)

// Parser is one protocol implementation racing its siblings over a single
// connection's shadow buffers — the Go analogue of a loaded interceptor
// module's intercept() coroutine. It must call inst.Identified() as soon as
// it is certain the stream matches its protocol (before that point, any
// sibling may still win the race and cancel it), and may return
// shadowbuf.ErrMismatch (or let a Match call propagate it) once it is
// certain the stream does not.
type Parser interface {
	Intercept(ctx context.Context, inst *Instance, c, s *shadowbuf.Wrapper) error
}

// ParserFunc adapts a plain function to Parser.
type ParserFunc func(ctx context.Context, inst *Instance, c, s *shadowbuf.Wrapper) error

func (f ParserFunc) Intercept(ctx context.Context, inst *Instance, c, s *shadowbuf.Wrapper) error {
	return f(ctx, inst, c, s)
}

// Factory names a Parser constructor: the unit a plugin registry loads,
// reloads, and hands to a Conn to race.
type Factory struct {
	Name string
	New  func() Parser
}

// Registry supplies the current set of parsers to race, re-read on every
// connection accept and on every protocol handover so a SIGHUP reload
// (see pkg/pluginreg) takes effect immediately for both.
type Registry interface {
	Snapshot() []Factory
}

// StaticRegistry is a fixed Registry, useful for tests and for binaries
// that do not support hot reload.
type StaticRegistry []Factory

func (r StaticRegistry) Snapshot() []Factory { return append([]Factory(nil), r...) }
