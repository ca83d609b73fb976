// Package sshexec builds the ssh invocation for a negotiated tunnel and
// replaces the current process with it, after running an optional hook
// command.
package sshexec

import (
	"os"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
)

// Options describes a negotiated tunnel to open with ssh.
type Options struct {
	SSHPort  uint16
	TunPort  uint16
	Login    string // [user@]hostname, already resolved
	DebugSSH bool
}

// Args builds the fixed ssh argument list from spec.md §6, reproduced
// verbatim because operators depend on its exact semantics.
func Args(o Options) []string {
	args := []string{
		"-oControlPath=none",
		"-oControlMaster=no",
		"-oConnectTimeout=180",
		"-oServerAliveInterval=6",
		"-oServerAliveCountMax=10",
		"-oBatchMode=yes",
		"-oPasswordAuthentication=no",
		"-oNumberOfPasswordPrompts=0",
		"-oExitOnForwardFailure=yes",
	}
	if o.DebugSSH {
		args = append(args, "-vvv")
	}
	args = append(args,
		"-NnT",
		"-p"+strconv.Itoa(int(o.SSHPort)),
		"-R", strconv.Itoa(int(o.TunPort))+":localhost:22",
		o.Login,
	)
	return args
}

// RunHook runs the hook command with sshPort and tunPort appended,
// inheriting stdio, and waits for it to complete. Its exit status is
// logged but never propagated: the hook is advisory logging, and ssh is
// execed regardless of its outcome (spec.md §7).
func RunHook(hook []string, sshPort, tunPort uint16, l zerolog.Logger) {
	if len(hook) == 0 {
		return
	}

	args := append(append([]string{}, hook[1:]...), strconv.Itoa(int(sshPort)), strconv.Itoa(int(tunPort)))
	cmd := exec.Command(hook[0], args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		l.Debug().Err(err).Strs("argv", cmd.Args).Msg("hook command did not exit cleanly")
	}
}
