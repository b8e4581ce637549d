package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMintsAndPersists(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	first, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(first.ID) != idDigits {
		t.Fatalf("expected %d-digit id, got %q", idDigits, first.ID)
	}

	second, err := store.Load()
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("Load is not idempotent: %q != %q", first.ID, second.ID)
	}
}

func TestLoadPersistsOwnerOnlyFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if _, err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "identity.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestFormatDashed(t *testing.T) {
	got := FormatDashed("123456789")
	want := "123-456-789"
	if got != want {
		t.Fatalf("FormatDashed() = %q, want %q", got, want)
	}
}

func TestParseConnectionIDAcceptsVariants(t *testing.T) {
	cases := []string{"123-456-789", "123 456 789", "123456789"}
	for _, in := range cases {
		got, err := ParseConnectionID(in)
		if err != nil {
			t.Fatalf("ParseConnectionID(%q): %v", in, err)
		}
		if got != "123456789" {
			t.Fatalf("ParseConnectionID(%q) = %q, want 123456789", in, got)
		}
	}
}

func TestParseConnectionIDRejectsWrongLength(t *testing.T) {
	for _, in := range []string{"12345", "1234567890"} {
		if _, err := ParseConnectionID(in); err == nil {
			t.Fatalf("ParseConnectionID(%q): expected error", in)
		}
	}
}

func TestParseConnectionIDRejectsNonDigits(t *testing.T) {
	if _, err := ParseConnectionID("123-abc-789"); err == nil {
		t.Fatal("expected error for non-digit characters")
	}
}
