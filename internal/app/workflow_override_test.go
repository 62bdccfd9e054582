package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRepoOverride_Missing(t *testing.T) {
	dir := t.TempDir()
	if _, ok := loadRepoOverride(dir); ok {
		t.Fatalf("expected no override for a worktree without .ace.yml")
	}
}

func TestLoadRepoOverride_Malformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".ace.yml"), []byte("not: [valid: yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := loadRepoOverride(dir); ok {
		t.Fatalf("expected malformed .ace.yml to be ignored, not surfaced as an override")
	}
}

func TestLoadRepoOverride_BackendFor(t *testing.T) {
	dir := t.TempDir()
	doc := `
difficulty:
  hard:
    backend: claude
    model: opus
  easy:
    backend: claude
    model: haiku
`
	if err := os.WriteFile(filepath.Join(dir, ".ace.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	ov, ok := loadRepoOverride(dir)
	if !ok {
		t.Fatalf("expected .ace.yml to load")
	}

	backend, model, matched := ov.backendFor([]string{"bug", "difficulty:hard"})
	if !matched || backend != "claude" || model != "opus" {
		t.Fatalf("got backend=%q model=%q matched=%v, want claude/opus/true", backend, model, matched)
	}

	if _, _, matched := ov.backendFor([]string{"difficulty:unknown"}); matched {
		t.Fatalf("expected no match for a difficulty key absent from the override table")
	}

	if _, _, matched := ov.backendFor([]string{"bug"}); matched {
		t.Fatalf("expected no match when no difficulty label is present")
	}
}
