package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(filepath.Join(t.TempDir(), "cursors.db"))
	if err != nil {
		t.Fatal("OpenSQL failed:", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Error("Close failed:", err)
		}
	})
	return s
}

func TestSQLStoreGetMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	seq, ok, err := s.Get(context.Background(), "registry")
	if err != nil {
		t.Fatal("Get failed:", err)
	}
	if ok {
		t.Error("expected no cursor document")
	}
	if seq != 0 {
		t.Error("missing cursor returned nonzero seq:", seq)
	}
}

func TestSQLStoreSetGet(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "registry", 42); err != nil {
		t.Fatal("Set failed:", err)
	}
	seq, ok, err := s.Get(ctx, "registry")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || seq != 42 {
		t.Errorf("Get = (%d, %v), want (42, true)", seq, ok)
	}

	// Set replaces.
	if err := s.Set(ctx, "registry", 100); err != nil {
		t.Fatal(err)
	}
	seq, _, err = s.Get(ctx, "registry")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 100 {
		t.Error("Set did not replace cursor:", seq)
	}
}

func TestSQLStoreIsolatesCursorIDs(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "a", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "b", 2); err != nil {
		t.Fatal(err)
	}

	seq, _, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Error("cursor a clobbered:", seq)
	}
}

func TestSQLStoreSeed(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Seed(ctx, "registry", 7)
	if err != nil {
		t.Fatal("Seed failed:", err)
	}
	if !created {
		t.Error("first seed reported not created")
	}

	// A second seed must not move the cursor.
	created, err = s.Seed(ctx, "registry", 9999)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second seed reported created")
	}

	seq, ok, err := s.Get(ctx, "registry")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || seq != 7 {
		t.Errorf("Get = (%d, %v), want (7, true)", seq, ok)
	}
}

func TestMemStore(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "x")
	if err != nil || ok {
		t.Fatalf("Get on empty store = (ok=%v, err=%v)", ok, err)
	}
	if err := s.Set(ctx, "x", 5); err != nil {
		t.Fatal(err)
	}
	seq, ok, err := s.Get(ctx, "x")
	if err != nil || !ok || seq != 5 {
		t.Errorf("Get = (%d, %v, %v), want (5, true, nil)", seq, ok, err)
	}
}
