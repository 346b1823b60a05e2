//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd

package identity

import "errors"

type noTable struct{}

// SystemTable returns a table that knows no processes; resolution falls
// through to the terminal strategy.
func SystemTable() ProcessTable {
	return noTable{}
}

func (noTable) Lookup(int) (Process, bool) { return Process{}, false }

func (noTable) List() ([]Process, error) {
	return nil, errors.New("process listing unsupported")
}
