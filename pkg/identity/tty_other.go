//go:build !unix

package identity

func terminalDevice() (string, bool) { return "", false }
