//go:build unix

package identity

import (
	"fmt"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// terminalDevice identifies the controlling terminal by the device number
// behind the first standard stream that is a terminal.
func terminalDevice() (string, bool) {
	for _, fd := range []int{0, 1, 2} {
		if !isatty.IsTerminal(uintptr(fd)) {
			continue
		}
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			continue
		}
		return fmt.Sprintf("rdev:%d", uint64(st.Rdev)), true //nolint:unconvert // Rdev width varies by platform
	}
	return "", false
}
