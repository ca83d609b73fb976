package sshexec

import (
	"reflect"
	"testing"
)

func TestArgs(t *testing.T) {
	got := Args(Options{SSHPort: 22, TunPort: 22001, Login: "user@host"})
	want := []string{
		"-oControlPath=none",
		"-oControlMaster=no",
		"-oConnectTimeout=180",
		"-oServerAliveInterval=6",
		"-oServerAliveCountMax=10",
		"-oBatchMode=yes",
		"-oPasswordAuthentication=no",
		"-oNumberOfPasswordPrompts=0",
		"-oExitOnForwardFailure=yes",
		"-NnT",
		"-p22",
		"-R", "22001:localhost:22",
		"user@host",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestArgsDebugSSH(t *testing.T) {
	got := Args(Options{SSHPort: 2222, TunPort: 1, Login: "host", DebugSSH: true})
	found := false
	for i, a := range got {
		if a == "-vvv" {
			found = true
			if got[i+1] != "-NnT" {
				t.Errorf("-vvv should immediately precede -NnT, got %v", got)
			}
		}
	}
	if !found {
		t.Error("expected -vvv in debug-ssh args")
	}
}
