package directory

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing directory file: %v", err)
	}
	return path
}

func TestLookup(t *testing.T) {
	path := writeFile(t, `{"alice": {"uid": 1001, "gid": 2001, "district": "sandswept"}}`)
	d := New(path)

	entry, err := d.Lookup("alice")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if entry.UID != 1001 || entry.GID != 2001 || entry.District != "sandswept" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestLookupUnknownUser(t *testing.T) {
	path := writeFile(t, `{"alice": {"uid": 1001, "gid": 2001, "district": "sandswept"}}`)
	d := New(path)

	if _, err := d.Lookup("mallory"); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestLookupRereadsFile(t *testing.T) {
	path := writeFile(t, `{}`)
	d := New(path)

	if _, err := d.Lookup("bob"); err == nil {
		t.Fatal("expected error before enrollment")
	}

	// Enrollment happens out-of-band; the next lookup must see it.
	if err := os.WriteFile(path, []byte(`{"bob": {"uid": 1002, "gid": 2002, "district": "brackish"}}`), 0644); err != nil {
		t.Fatalf("rewriting directory file: %v", err)
	}

	entry, err := d.Lookup("bob")
	if err != nil {
		t.Fatalf("Lookup after enrollment failed: %v", err)
	}
	if entry.District != "brackish" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestLookupMissingFile(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := d.Lookup("alice"); err == nil {
		t.Fatal("expected error for missing directory file")
	}
}
