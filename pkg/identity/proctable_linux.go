//go:build linux

package identity

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// procTable reads /proc.
type procTable struct {
	root string
}

// SystemTable returns the process table of the running system.
func SystemTable() ProcessTable {
	return procTable{root: "/proc"}
}

func (t procTable) Lookup(pid int) (Process, bool) {
	stat, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", t.root, pid))
	if err != nil {
		return Process{}, false
	}
	p, ok := parseStat(stat)
	if !ok {
		return Process{}, false
	}
	if raw, err := os.ReadFile(fmt.Sprintf("%s/%d/cmdline", t.root, pid)); err == nil {
		p.Cmdline = strings.TrimSpace(string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '})))
	}
	return p, true
}

func (t procTable) List() ([]Process, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.root, err)
	}
	var out []Process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		if p, ok := t.Lookup(pid); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// parseStat parses "pid (comm) state ppid ...". comm may itself contain
// spaces and parentheses, so it runs to the last ')'.
func parseStat(b []byte) (Process, bool) {
	s := string(b)
	open := strings.IndexByte(s, '(')
	closing := strings.LastIndexByte(s, ')')
	if open < 0 || closing < open {
		return Process{}, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(s[:open]))
	if err != nil {
		return Process{}, false
	}
	fields := strings.Fields(s[closing+1:])
	if len(fields) < 2 {
		return Process{}, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Process{}, false
	}
	return Process{PID: pid, PPID: ppid, Name: s[open+1 : closing]}, true
}
