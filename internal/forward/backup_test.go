package forward

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBackupSaveLoad(t *testing.T) {
	store, err := openBackup(filepath.Join(t.TempDir(), "nested", "dir"))
	if err != nil {
		t.Fatalf("openBackup: %v", err)
	}
	first := &chunk{tag: "one", buf: bytes.NewBufferString("aaa"), count: 1}
	second := &chunk{tag: "two", buf: bytes.NewBufferString("bbbb"), count: 2}
	for _, c := range []*chunk{first, second} {
		if _, err := store.save(c); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := store.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d chunks, want 2", len(got))
	}
	if got[0].tag != "one" || got[0].buf.String() != "aaa" || got[0].count != 1 {
		t.Fatalf("first = %s/%q/%d", got[0].tag, got[0].buf.String(), got[0].count)
	}
	if got[1].tag != "two" || got[1].count != 2 || got[1].backupPath == "" {
		t.Fatalf("second = %+v", got[1])
	}
}

func TestBackupLoadSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := openBackup(dir)
	if err != nil {
		t.Fatalf("openBackup: %v", err)
	}
	bad := filepath.Join(dir, backupPrefix+"0-000000"+backupSuffix)
	if err := os.WriteFile(bad, []byte("not an lz4 frame"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.save(&chunk{tag: "ok", buf: bytes.NewBufferString("x"), count: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].tag != "ok" {
		t.Fatalf("loaded = %v", got)
	}
	if _, err := os.Stat(bad + ".corrupt"); err != nil {
		t.Fatalf("corrupt file not set aside: %v", err)
	}
}

func TestBackupIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644)
	store, _ := openBackup(dir)
	got, err := store.load()
	if err != nil || len(got) != 0 {
		t.Fatalf("load = %v, %v", got, err)
	}
}
