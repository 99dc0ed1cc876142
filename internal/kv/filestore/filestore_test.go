package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atinyakov/GophSession/internal/kv"
)

var _ kv.Backend = (*FileStore)(nil)

func TestGet_FileNotExist(t *testing.T) {
	fs := New(filepath.Join(t.TempDir(), "session.json"))

	v, ok, err := fs.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok || v != "" {
		t.Errorf("Get = %q, %v; want empty, false", v, ok)
	}
}

func TestSetGetRemove_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")

	fs := New(path)
	if err := fs.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := fs.Set(ctx, "b", "2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// read back the raw document
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var doc document
	if err := json.Unmarshal(buf, &doc); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if doc.Version != 1 || doc.Entries["a"] != "1" || doc.Entries["b"] != "2" {
		t.Errorf("unexpected saved document: %+v", doc)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o; want 600", perm)
	}

	// a fresh instance sees the same data
	reopened := New(path)
	if v, ok, _ := reopened.Get(ctx, "a"); !ok || v != "1" {
		t.Errorf("Get(a) = %q, %v; want 1, true", v, ok)
	}

	if err := reopened.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := reopened.Remove(ctx, "missing"); err != nil {
		t.Fatalf("Remove of missing key failed: %v", err)
	}
	if _, ok, _ := New(path).Get(ctx, "a"); ok {
		t.Error("removed key still present after reopen")
	}
}

func TestCorruptFile_StartsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zap.WarnLevel)
	fs := New(path, WithLogger(zap.New(core)))

	v, ok, err := fs.Get(ctx, "k")
	if err != nil || ok || v != "" {
		t.Fatalf("Get = %q, %v, %v; want empty, false, nil", v, ok, err)
	}
	if err := fs.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set after corrupt document failed: %v", err)
	}
	if v, ok, err := New(path).Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Errorf("Get after reopen = %q, %v, %v; want v, true, nil", v, ok, err)
	}

	backup, err := os.ReadFile(path + ".corrupt")
	if err != nil {
		t.Fatalf("corrupt document not kept aside: %v", err)
	}
	if string(backup) != "{garbage" {
		t.Errorf("backup = %q", backup)
	}
	if logs.FilterMessage("discarded unreadable session file").Len() != 1 {
		t.Errorf("expected one warning, got %v", logs.All())
	}
}

func TestCorruptFile_LoginStillWorks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := kv.NewStore(New(path))
	s.Init(ctx)
	if err := s.SetAsync(ctx, "user", map[string]any{"id": 1}, true); err != nil {
		t.Fatalf("SetAsync failed: %v", err)
	}

	restarted := kv.NewStore(New(path))
	restarted.Init(ctx)
	if _, ok := restarted.GetSync("user"); !ok {
		t.Error("user not reloaded after restart")
	}
}

func TestEncrypted_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.bin")

	aead, err := NewAEADFromSecret([]byte("correct horse"), []byte("device-1"))
	if err != nil {
		t.Fatalf("derive AEAD failed: %v", err)
	}
	if err := New(path, WithAEAD(aead)).Set(ctx, "tokens", `{"accessToken":"abc"}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("accessToken")) {
		t.Error("document stored in plaintext")
	}

	// same secret => same key, so a second AEAD can open the file
	again, err := NewAEADFromSecret([]byte("correct horse"), []byte("device-1"))
	if err != nil {
		t.Fatal(err)
	}
	v, ok, err := New(path, WithAEAD(again)).Get(ctx, "tokens")
	if err != nil || !ok || v != `{"accessToken":"abc"}` {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}

	wrong, err := NewAEADFromSecret([]byte("battery staple"), []byte("device-1"))
	if err != nil {
		t.Fatal(err)
	}
	// a changed secret cannot open the old document; it is moved aside
	if v, ok, err := New(path, WithAEAD(wrong)).Get(ctx, "tokens"); err != nil || ok {
		t.Errorf("Get with wrong key = %q, %v, %v; want absent", v, ok, err)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("sealed document not kept aside: %v", err)
	}
	if err := New(path, WithAEAD(wrong)).Set(ctx, "tokens", "new"); err != nil {
		t.Errorf("Set with new key failed: %v", err)
	}
}

func TestNewAEADFromSecret_Empty(t *testing.T) {
	if _, err := NewAEADFromSecret(nil, nil); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestWithKVStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	s := kv.NewStore(New(path))
	if err := s.SetAsync(ctx, "user", map[string]any{"id": 1}, true); err != nil {
		t.Fatalf("SetAsync failed: %v", err)
	}

	restarted := kv.NewStore(New(path))
	restarted.Init(ctx)
	got, ok := restarted.GetSync("user")
	if !ok {
		t.Fatal("user not reloaded after restart")
	}
	if string(got) != `{"id":1}` {
		t.Errorf("user = %s; want {\"id\":1}", got)
	}
}
