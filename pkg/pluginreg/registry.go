// Package pluginreg implements the hot-reloadable interceptor registry.
// "Plugins" are intercept.Factory values supplied by the caller
// (ordinarily one per parser package compiled into the binary); what
// hot-reloads is which of them are currently active, driven by a Loader
// the caller controls — typically re-reading a config file that lists
// enabled parser names.
package pluginreg

import (
	"context"
	"os"
	"strings"
	"sync/atomic"

	"github.com/streamrelay/streamrelay/pkg/intercept"
	"github.com/streamrelay/streamrelay/pkg/logging"
)

// Registry is an intercept.Registry whose factory set can be swapped out
// at any time; every Snapshot call sees one atomically-published list, so
// a reload never hands a connection a half-updated view.
type Registry struct {
	logger  *logging.Logger
	current atomic.Pointer[[]intercept.Factory]
}

// New builds a Registry starting with initial as its active factory set.
func New(logger *logging.Logger, initial []intercept.Factory) *Registry {
	r := &Registry{logger: logger}
	r.Set(initial)
	return r
}

// Snapshot implements intercept.Registry.
func (r *Registry) Snapshot() []intercept.Factory {
	p := r.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Set atomically replaces the active factory set; in-flight Snapshot
// holders keep the list they already read.
func (r *Registry) Set(factories []intercept.Factory) {
	names := make([]string, len(factories))
	for i, f := range factories {
		names[i] = f.Name
	}
	r.current.Store(&factories)
	r.logger.Info("interceptor set reloaded", logging.String("loaded", strings.Join(names, ",")))
}

// Loader produces the factory set that should become active on a reload —
// by filtering a static list against config, reading a directory, or any
// other source the caller chooses.
type Loader func() []intercept.Factory

// WatchReload calls loader and installs its result into r every time a
// signal arrives on reloadCh, until ctx is done.
func WatchReload(ctx context.Context, r *Registry, loader Loader, reloadCh <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-reloadCh:
			if !ok {
				return
			}
			r.logger.Info("reload signal received")
			r.Set(loader())
		}
	}
}
