// Package liveness answers one question about a local process id: is it
// verifiably gone? Anything short of proof counts as alive, so a claim is
// never taken from a worker that might still be running.
package liveness

// Probe reports process liveness.
type Probe interface {
	Alive(pid int) bool
}

// ProbeFunc adapts a plain function to Probe.
type ProbeFunc func(pid int) bool

// Alive calls f.
func (f ProbeFunc) Alive(pid int) bool { return f(pid) }

// OS probes the running operating system.
type OS struct{}

// Alive sends a zero-effect signal to pid. Only "no such process" counts as
// dead; permission errors and non-positive pids report alive.
func (OS) Alive(pid int) bool {
	if pid <= 0 {
		return true
	}
	return alive(pid)
}

// Dead is the negation of p.Alive, shaped for store.CleanupParams.IsDead.
func Dead(p Probe) func(pid int) bool {
	return func(pid int) bool { return !p.Alive(pid) }
}
