// Package identsource implements the client's identity providers: ways of
// deriving the stable byte string the server uses as a storage key for this
// machine. These are outer collaborators per spec.md §4.6 — the core
// protocol only ever sees the resulting bytes.
package identsource

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"golang.org/x/crypto/blake2b"

	"github.com/northbridge-labs/sshrmux/internal/muxcodec"
)

const (
	defaultMachineIDPath = "/etc/machine-id"
	defaultCPUInfoPath   = "/proc/cpuinfo"
)

// Source derives the raw identity bytes for this machine.
type Source interface {
	Ident() ([]byte, error)
}

// Literal is an operator-supplied identity string, used verbatim.
type Literal string

func (l Literal) Ident() ([]byte, error) {
	if len(l) == 0 {
		return nil, fmt.Errorf("identsource: literal identity must not be empty")
	}
	return []byte(l), nil
}

// MachineID derives the identity from the keyed BLAKE2b hash of
// /etc/machine-id, the client's default identity source.
type MachineID struct {
	Secret []byte
	Path   string // defaults to /etc/machine-id
}

func (m MachineID) Ident() ([]byte, error) {
	path := m.Path
	if path == "" {
		path = defaultMachineIDPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identsource: read %s: %w", path, err)
	}
	return hashIdent(m.Secret, bytes.TrimSpace(b)), nil
}

var cpuinfoSerialRe = regexp.MustCompile(`(?m)^Serial\s*:\s*([0-9a-fA-F]+)\s*$`)

// RaspberryPiSerial derives the identity from the keyed BLAKE2b hash of the
// `Serial:` line of /proc/cpuinfo (the --ident-rpi flag).
type RaspberryPiSerial struct {
	Secret []byte
	Path   string // defaults to /proc/cpuinfo
}

func (r RaspberryPiSerial) Ident() ([]byte, error) {
	path := r.Path
	if path == "" {
		path = defaultCPUInfoPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identsource: read %s: %w", path, err)
	}
	m := cpuinfoSerialRe.FindSubmatch(b)
	if m == nil {
		return nil, fmt.Errorf("identsource: no Serial line found in %s", path)
	}
	return hashIdent(r.Secret, m[1]), nil
}

// Command runs a shell command and uses its trimmed stdout as the identity
// (the --ident-cmd flag). A non-zero exit aborts identity resolution.
type Command struct {
	Shell   string // defaults to /bin/sh
	Command string
}

func (c Command) Ident() ([]byte, error) {
	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell, "-c", c.Command)
	cmd.Stderr = os.Stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("identsource: run ident command: %w", err)
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("identsource: ident command produced empty output")
	}
	if len(out) > muxcodec.MaxIdentSize {
		return nil, fmt.Errorf("identsource: ident command output exceeds %d bytes", muxcodec.MaxIdentSize)
	}
	return out, nil
}

func hashIdent(secret, data []byte) []byte {
	h, err := blake2b.New256(muxcodec.DeriveKey(secret))
	if err != nil {
		// DeriveKey always returns exactly 64 bytes, which is always a
		// valid blake2b key length.
		panic(fmt.Errorf("identsource: init hash: %w", err))
	}
	h.Write(data)
	return h.Sum(nil)
}
