package pluginreg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/streamrelay/streamrelay/pkg/intercept"
	"github.com/streamrelay/streamrelay/pkg/logging"
)

type fakeSignal struct{}

func (fakeSignal) String() string { return "fake" }
func (fakeSignal) Signal()        {}

func factoriesNamed(names ...string) []intercept.Factory {
	out := make([]intercept.Factory, len(names))
	for i, n := range names {
		out[i] = intercept.Factory{Name: n}
	}
	return out
}

func namesOf(factories []intercept.Factory) []string {
	out := make([]string, len(factories))
	for i, f := range factories {
		out[i] = f.Name
	}
	return out
}

func TestSnapshotReturnsCurrentSet(t *testing.T) {
	logger := logging.New(logging.Options{})
	r := New(logger, factoriesNamed("http"))

	got := namesOf(r.Snapshot())
	if len(got) != 1 || got[0] != "http" {
		t.Fatalf("Snapshot = %v, want [http]", got)
	}
}

func TestSetReplacesAtomically(t *testing.T) {
	logger := logging.New(logging.Options{})
	r := New(logger, factoriesNamed("http"))

	r.Set(factoriesNamed("http", "socks5"))

	got := namesOf(r.Snapshot())
	if len(got) != 2 || got[0] != "http" || got[1] != "socks5" {
		t.Fatalf("Snapshot after Set = %v, want [http socks5]", got)
	}
}

func TestWatchReloadInstallsOnSignal(t *testing.T) {
	logger := logging.New(logging.Options{})
	r := New(logger, factoriesNamed("http"))

	reloadCh := make(chan os.Signal, 1)
	loader := func() []intercept.Factory { return factoriesNamed("http", "reloaded") }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go WatchReload(ctx, r, loader, reloadCh)

	reloadCh <- fakeSignal{}

	deadline := time.After(2 * time.Second)
	for {
		got := namesOf(r.Snapshot())
		if len(got) == 2 && got[1] == "reloaded" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("registry was never reloaded, last snapshot = %v", got)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatchReloadStopsOnContextDone(t *testing.T) {
	logger := logging.New(logging.Options{})
	r := New(logger, factoriesNamed("http"))
	reloadCh := make(chan os.Signal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchReload(ctx, r, func() []intercept.Factory { return nil }, reloadCh)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WatchReload did not return after its context was cancelled")
	}
}
