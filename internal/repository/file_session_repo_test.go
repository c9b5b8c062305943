package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSessionRepo_LoadMissingReturnsNil(t *testing.T) {
	repo := NewFileSessionRepo(filepath.Join(t.TempDir(), "session.json"))

	got, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestFileSessionRepo_SaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	repo := NewFileSessionRepo(path)
	ctx := context.Background()

	if err := repo.Save(ctx, sampleSession()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permission = %o, want 600", perm)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := sampleSession()
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Errorf("tokens = (%q, %q), want (%q, %q)", got.AccessToken, got.RefreshToken, want.AccessToken, want.RefreshToken)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
	if got.User.ID != want.User.ID {
		t.Errorf("User.ID = %q, want %q", got.User.ID, want.User.ID)
	}
}

func TestFileSessionRepo_SaveOverwritesWithoutLeavingTempFiles(t *testing.T) {
	dir := t.TempDir()
	repo := NewFileSessionRepo(filepath.Join(dir, "session.json"))
	ctx := context.Background()

	first := sampleSession()
	second := sampleSession()
	second.AccessToken = "access-2"

	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("Save second: %v", err)
	}

	got, _ := repo.Load(ctx)
	if got.AccessToken != "access-2" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "access-2")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only session.json in dir, got %d entries", len(entries))
	}
}

func TestFileSessionRepo_DeleteIsIdempotent(t *testing.T) {
	repo := NewFileSessionRepo(filepath.Join(t.TempDir(), "session.json"))
	ctx := context.Background()

	if err := repo.Save(ctx, sampleSession()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	got, _ := repo.Load(ctx)
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestFileSessionRepo_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewFileSessionRepo(path).Load(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}
