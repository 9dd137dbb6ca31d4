package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExportImportJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("k1", []byte("value one"), StoreOptions{Namespace: "ns", Tags: []string{"a"}}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("k2", []byte("value two"), StoreOptions{Namespace: "ns"}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	checksum, err := s.Export(path, FormatJSON, ExportOptions{Namespace: "ns"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if checksum == "" {
		t.Fatal("expected non-empty checksum")
	}

	dst := newTestStore(t)
	n, err := dst.Import(path, FormatJSON, ImportOptions{ExpectedChecksum: checksum})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d entries, want 2", n)
	}

	got, err := dst.Retrieve("k1", RetrieveOptions{Namespace: "ns"})
	if err != nil || got == nil {
		t.Fatalf("Retrieve k1: %v", err)
	}
	if string(got.Value) != "value one" {
		t.Fatalf("value = %q, want %q", got.Value, "value one")
	}
}

func TestExportImportEncryptedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreValue("secret", []byte("classified"), StoreOptions{Namespace: "ns"}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "export.enc.json")
	if _, err := s.Export(path, FormatJSON, ExportOptions{Namespace: "ns", EncryptKey: key}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export file: %v", err)
	}
	if containsPlaintext(raw, "classified") {
		t.Fatal("expected encrypted export not to contain the plaintext value")
	}

	dst := newTestStore(t)
	if _, err := dst.Import(path, FormatJSON, ImportOptions{DecryptKey: key}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	got, err := dst.Retrieve("secret", RetrieveOptions{Namespace: "ns"})
	if err != nil || got == nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got.Value) != "classified" {
		t.Fatalf("value = %q, want classified", got.Value)
	}

	wrongKey := make([]byte, 32)
	if _, err := dst.Import(path, FormatJSON, ImportOptions{DecryptKey: wrongKey}); err == nil {
		t.Fatal("expected Import with wrong key to fail")
	}
}

func TestImportConflictSkip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreValue("k", []byte("original"), StoreOptions{Namespace: "ns"}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "export.json")
	if _, err := s.Export(path, FormatJSON, ExportOptions{Namespace: "ns"}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if _, err := s.StoreValue("k", []byte("modified"), StoreOptions{Namespace: "ns"}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.Import(path, FormatJSON, ImportOptions{Conflict: ConflictSkip}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	got, err := s.Retrieve("k", RetrieveOptions{Namespace: "ns"})
	if err != nil || got == nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got.Value) != "modified" {
		t.Fatalf("ConflictSkip should have kept the current value, got %q", got.Value)
	}
}

func TestExportImportCSVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.StoreValue("row1", []byte("hello,world"), StoreOptions{Namespace: "ns", Tags: []string{"x", "y"}}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "export.csv")
	if _, err := s.Export(path, FormatCSV, ExportOptions{Namespace: "ns"}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := newTestStore(t)
	n, err := dst.Import(path, FormatCSV, ImportOptions{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 1 {
		t.Fatalf("imported %d entries, want 1", n)
	}
	got, err := dst.Retrieve("row1", RetrieveOptions{Namespace: "ns"})
	if err != nil || got == nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got.Value) != "hello,world" {
		t.Fatalf("value = %q, want %q", got.Value, "hello,world")
	}
}

func containsPlaintext(haystack []byte, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, []byte(needle)) >= 0
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
