// Package procname sets this process's visible name (as ps/top show it),
// so each proxy in a chain is identifiable at a glance.
package procname

// Set renames the current process to name. It is best-effort: on
// platforms with no equivalent of Linux's PR_SET_NAME it is a no-op.
func Set(name string) {
	set(name)
}
