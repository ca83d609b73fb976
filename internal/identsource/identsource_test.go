package identsource

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestLiteral(t *testing.T) {
	id, err := Literal("node-A").Ident()
	if err != nil {
		t.Fatalf("ident: %v", err)
	}
	if !bytes.Equal(id, []byte("node-A")) {
		t.Fatalf("got %q, want %q", id, "node-A")
	}
}

func TestLiteralRejectsEmpty(t *testing.T) {
	if _, err := Literal("").Ident(); err == nil {
		t.Error("expected error for empty literal")
	}
}

func TestMachineIDIsDeterministicAndKeyed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine-id")
	if err := writeFile(path, "abc123\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	a, err := (MachineID{Secret: []byte("s1"), Path: path}).Ident()
	if err != nil {
		t.Fatalf("ident: %v", err)
	}
	b, err := (MachineID{Secret: []byte("s1"), Path: path}).Ident()
	if err != nil {
		t.Fatalf("ident: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same machine-id + secret should produce the same identity")
	}

	c, err := (MachineID{Secret: []byte("s2"), Path: path}).Ident()
	if err != nil {
		t.Fatalf("ident: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Error("different secrets should produce different identities")
	}
}

func TestRaspberryPiSerial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpuinfo")
	if err := writeFile(path, "processor\t: 0\nSerial\t\t: 00000000deadbeef\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	id, err := (RaspberryPiSerial{Secret: []byte("s"), Path: path}).Ident()
	if err != nil {
		t.Fatalf("ident: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("got %d bytes, want 32", len(id))
	}
}

func TestRaspberryPiSerialMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpuinfo")
	if err := writeFile(path, "processor\t: 0\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := (RaspberryPiSerial{Secret: []byte("s"), Path: path}).Ident(); err == nil {
		t.Error("expected error when no Serial line present")
	}
}

func TestCommand(t *testing.T) {
	id, err := (Command{Command: "printf 'node-A\\n'"}).Ident()
	if err != nil {
		t.Fatalf("ident: %v", err)
	}
	if !bytes.Equal(id, []byte("node-A")) {
		t.Fatalf("got %q, want %q", id, "node-A")
	}
}

func TestCommandNonZeroExitFails(t *testing.T) {
	if _, err := (Command{Command: "exit 1"}).Ident(); err == nil {
		t.Error("expected error for non-zero exit")
	}
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o600)
}
