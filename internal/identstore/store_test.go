package identstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "idents.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFirstContactAllocation(t *testing.T) {
	db := openTestDB(t)

	port, reused, err := db.Allocate([]byte("node-A"), 22000, 22002)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port != 22000 {
		t.Fatalf("got port %d, want 22000", port)
	}
	if reused {
		t.Fatal("first contact must not report reused")
	}

	items, err := db.Items()
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 1 || items[0].Port != 22000 || items[0].IdentB64 != IdentKey([]byte("node-A")) {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestStableReassignment(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put([]byte("node-A"), 22001); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	port, reused, err := db.Allocate([]byte("node-A"), 22000, 22002)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port != 22001 {
		t.Fatalf("got port %d, want 22001 (reused)", port)
	}
	if !reused {
		t.Fatal("stable reassignment must report reused")
	}
}

func TestRangeShrinkReallocation(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put([]byte("node-A"), 22050); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	port, reused, err := db.Allocate([]byte("node-A"), 22000, 22002)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port != 22000 {
		t.Fatalf("got port %d, want 22000", port)
	}
	if reused {
		t.Fatal("out-of-range assignment must not report reused")
	}

	got, ok, err := db.Get([]byte("node-A"))
	if err != nil || !ok || got != 22000 {
		t.Fatalf("got (%d, %v, %v), want (22000, true, nil)", got, ok, err)
	}
}

func TestExhaustion(t *testing.T) {
	db := openTestDB(t)

	if _, _, err := db.Allocate([]byte("node-A"), 22000, 22001); err != nil {
		t.Fatalf("allocate node-A: %v", err)
	}
	if _, _, err := db.Allocate([]byte("node-B"), 22000, 22001); err != nil {
		t.Fatalf("allocate node-B: %v", err)
	}

	if _, _, err := db.Allocate([]byte("node-C"), 22000, 22001); !errors.Is(err, ErrRangeExhausted) {
		t.Fatalf("got %v, want ErrRangeExhausted", err)
	}

	items, err := db.Items()
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (exhausted request must not mutate store)", len(items))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idents.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Put([]byte("node-A"), 22000); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	port, ok, err := db2.Get([]byte("node-A"))
	if err != nil || !ok || port != 22000 {
		t.Fatalf("got (%d, %v, %v), want (22000, true, nil)", port, ok, err)
	}
}

func TestDistinctIdentitiesNeverShareAPort(t *testing.T) {
	db := openTestDB(t)

	seen := make(map[int]string)
	for _, ident := range []string{"a", "b", "c", "d", "e"} {
		port, _, err := db.Allocate([]byte(ident), 22000, 22010)
		if err != nil {
			t.Fatalf("allocate %q: %v", ident, err)
		}
		if prev, ok := seen[port]; ok {
			t.Fatalf("port %d allocated to both %q and %q", port, prev, ident)
		}
		seen[port] = ident
	}
}

func TestRemove(t *testing.T) {
	db := openTestDB(t)

	if _, _, err := db.Allocate([]byte("node-A"), 22000, 22002); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := db.Remove(IdentKey([]byte("node-A"))); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, err := db.Get([]byte("node-A")); err != nil || ok {
		t.Fatalf("got ok=%v err=%v after remove, want ok=false", ok, err)
	}
}
