package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Velora-App/ota_layer/internal/app/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ota-store.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Get(ctx, "missing"); !storage.IsNotFound(err) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "ota:session-id", []byte(`"s1"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, "ota:session-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `"s1"` {
		t.Errorf("Get = %s, want %q", got, `"s1"`)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ota-store.json")

	s1, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Set(ctx, "ota:settings", []byte(`{"enabled":true}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get(ctx, "ota:settings")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != `{"enabled":true}` {
		t.Errorf("Get after reopen = %s", got)
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.Set(ctx, "k", []byte(`1`))
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !storage.IsNotFound(err) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete(absent) = %v, want nil", err)
	}
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_ = s.Set(ctx, "ota:b", []byte(`2`))
	_ = s.Set(ctx, "ota:a", []byte(`1`))
	_ = s.Set(ctx, "zzz", []byte(`3`))

	keys, err := s.Keys(ctx, "ota:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "ota:a" || keys[1] != "ota:b" {
		t.Errorf("Keys = %v, want [ota:a ota:b]", keys)
	}
}

func TestStore_NoPartialFileOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ota-store.json")

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = s.Set(ctx, "k", []byte(`"v"`))

	// The temp file must not linger after a successful write.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestNew_RejectsEmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") should fail")
	}
}

func TestNew_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := New(path); err == nil {
		t.Error("New should fail on a corrupt store file")
	}
}
