//go:build !unix

package liveness

// Without a signal probe nothing can be proven dead.
func alive(int) bool { return true }
