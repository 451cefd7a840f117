package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationFilesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_feedback.sql", "0001_init.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	files, err := migrationFiles(dir)
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "0001_init.sql" {
		t.Fatalf("迁移文件顺序不正确: %v", files)
	}
}

func TestMigrationFilesEmptyDir(t *testing.T) {
	if _, err := migrationFiles(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty migrations dir")
	}
	if _, err := migrationFiles(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestRepositoryMigrationsParse(t *testing.T) {
	files, err := migrationFiles(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("repository migrations missing: %v", err)
	}
	if filepath.Base(files[0]) != "0001_init.sql" {
		t.Fatalf("unexpected first migration %s", files[0])
	}
}

func TestMigrateWithoutPool(t *testing.T) {
	if _, err := Migrate(context.Background(), nil, "migrations"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
