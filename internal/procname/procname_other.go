//go:build !linux

package procname

func set(name string) {}
