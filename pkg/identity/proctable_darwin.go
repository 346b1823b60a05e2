//go:build darwin || freebsd || openbsd || netbsd

package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// psTable shells out to ps. There is no /proc on these systems.
type psTable struct {
	runner  CommandRunner
	timeout time.Duration
}

// SystemTable returns the process table of the running system.
func SystemTable() ProcessTable {
	return psTable{runner: ExecCommandRunner{}, timeout: 2 * time.Second}
}

func (t psTable) Lookup(pid int) (Process, bool) {
	procs, err := t.run("-o", "pid=,ppid=,command=", "-p", strconv.Itoa(pid))
	if err != nil || len(procs) != 1 {
		return Process{}, false
	}
	return procs[0], true
}

func (t psTable) List() ([]Process, error) {
	return t.run("-axo", "pid=,ppid=,command=")
}

func (t psTable) run(args ...string) ([]Process, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	out, err := t.runner.Run(ctx, "ps", args...)
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}
	return parsePS(string(out)), nil
}
