package liveness

import (
	"os"
	"testing"
)

func TestOSAlive_Self(t *testing.T) {
	if !(OS{}).Alive(os.Getpid()) {
		t.Fatal("own pid reported dead")
	}
}

func TestOSAlive_NonPositiveIsAlive(t *testing.T) {
	for _, pid := range []int{0, -1} {
		if !(OS{}).Alive(pid) {
			t.Errorf("pid %d reported dead, want alive (unknown)", pid)
		}
	}
}

func TestDead(t *testing.T) {
	dead := Dead(ProbeFunc(func(pid int) bool { return pid == 1 }))
	if dead(1) {
		t.Error("pid 1 reported dead")
	}
	if !dead(2) {
		t.Error("pid 2 reported alive")
	}
}
