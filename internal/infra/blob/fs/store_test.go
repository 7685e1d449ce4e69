package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"colonytally/internal/blob/core"
)

func TestFilesystemStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	if _, err := s.Put(ctx, "journal/2024/01/02/a.json", strings.NewReader(`{"x":1}`), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"entries": "1"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "journal", "2024", "01", "02", "a.json")); err != nil {
		t.Fatalf("expected data file: %v", err)
	}
	if _, err := s.Put(ctx, "journal/2024/01/02/a.json", strings.NewReader("{}"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	info, rc, err := s.Get(ctx, "journal/2024/01/02/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"x":1}` || info.Size != 7 || info.Metadata["entries"] != "1" || info.ContentType != "application/json" {
		t.Fatalf("unexpected blob %q %+v", body, info)
	}
	if _, _, err := s.Get(ctx, "journal/missing.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Put(ctx, "other.json", strings.NewReader("{}"), core.PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	list, err := s.List(ctx, "journal/")
	if err != nil || len(list) != 1 || list[0].Key != "journal/2024/01/02/a.json" {
		t.Fatalf("unexpected list %+v, %v", list, err)
	}
	if ok, err := s.Delete(ctx, "journal/2024/01/02/a.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "journal/2024/01/02/a.json"); err != nil || ok {
		t.Fatalf("expected missing delete to report false, got %v %v", ok, err)
	}
}

func TestFilesystemStoreRejectsUnsafeKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, key := range []string{"", "../escape", "/abs", "x.meta"} {
		if _, err := s.Put(context.Background(), key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
}
