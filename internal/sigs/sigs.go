// Package sigs provides the small set of OS signal channels the entry
// binaries wait on: termination and a SIGHUP-triggered config/plugin
// reload.
package sigs

import (
	"os"
	"os/signal"
	"syscall"
)

// Terminate returns a channel that receives the process's first
// termination request (SIGINT or SIGTERM).
func Terminate() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

// Reload returns a channel that receives every SIGHUP, the conventional
// reload-your-config signal.
func Reload() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	return ch
}

// SelfReload sends this process its own SIGHUP, letting tests and
// administrative tooling trigger a reload without going through a shell.
func SelfReload() error {
	return syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
}
