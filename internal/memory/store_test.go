package memory

import (
	"testing"
	"time"

	"github.com/ruvnet/swarmcore/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultMemoryConfig()
	cfg.PersistenceRoot = ""
	cfg.ShardCount = 4
	cfg.CompressionThreshold = 16
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreValueRetrieveRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.StoreValue("greeting", []byte("hello world"), StoreOptions{Namespace: "chat", Owner: "agent-1"})
	if err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	got, err := s.Retrieve("greeting", RetrieveOptions{Namespace: "chat"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry, got nil")
	}
	if string(got.Value) != "hello world" {
		t.Fatalf("value = %q, want %q", got.Value, "hello world")
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if got.Owner != "agent-1" {
		t.Fatalf("owner = %q, want agent-1", got.Owner)
	}
}

func TestStoreValueVersionIncrementsOnOverwrite(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("k", []byte("v1"), StoreOptions{}); err != nil {
		t.Fatalf("first store: %v", err)
	}
	id2, err := s.StoreValue("k", []byte("v2"), StoreOptions{})
	if err != nil {
		t.Fatalf("second store: %v", err)
	}

	got, err := s.Retrieve("k", RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.ID != id2 {
		t.Fatalf("id changed across overwrite: %s vs %s", got.ID, id2)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
	if string(got.Value) != "v2" {
		t.Fatalf("value = %q, want v2", got.Value)
	}
}

func TestStoreValueCompressesLargePayloads(t *testing.T) {
	s := newTestStore(t)

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := s.StoreValue("blob", big, StoreOptions{}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}

	got, err := s.Retrieve("blob", RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !got.Compressed {
		t.Fatal("expected entry to be compressed")
	}
	if len(got.Value) != len(big) {
		t.Fatalf("decompressed length = %d, want %d", len(got.Value), len(big))
	}
}

func TestRetrieveExpiredReturnsNil(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("ephemeral", []byte("x"), StoreOptions{TTL: time.Millisecond}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	got, err := s.Retrieve("ephemeral", RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired entry to read as absent, got %+v", got)
	}
}

func TestPinPreventsBudgetEviction(t *testing.T) {
	s := newTestStore(t)
	s.cfg.MaxMemorySizeBytes = 1

	if _, err := s.StoreValue("keep", []byte("v"), StoreOptions{Pinned: true}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("evict-me", []byte("v"), StoreOptions{}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	s.evictToBudget()

	kept, err := s.Retrieve("keep", RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve keep: %v", err)
	}
	if kept == nil {
		t.Fatal("pinned entry should have survived eviction")
	}
}

func TestDeleteEntryRemovesFromIndexes(t *testing.T) {
	s := newTestStore(t)

	id, err := s.StoreValue("gone", []byte("v"), StoreOptions{Namespace: "ns"})
	if err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	ok, err := s.DeleteEntry(id)
	if err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if !ok {
		t.Fatal("expected DeleteEntry to report found=true")
	}

	got, err := s.Retrieve("gone", RetrieveOptions{Namespace: "ns"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != nil {
		t.Fatal("expected entry to be gone after DeleteEntry")
	}

	ns := s.ListNamespaces()
	for _, n := range ns {
		if n == "ns" {
			t.Fatalf("namespace %q should no longer be listed once its last entry is deleted", n)
		}
	}
}

func TestListNamespacesAndTags(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("a", []byte("v"), StoreOptions{Namespace: "alpha", Tags: []string{"x", "y"}}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("b", []byte("v"), StoreOptions{Namespace: "beta", Tags: []string{"y"}}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}

	ns := s.ListNamespaces()
	if len(ns) != 2 || ns[0] != "alpha" || ns[1] != "beta" {
		t.Fatalf("ListNamespaces = %v, want [alpha beta]", ns)
	}

	tags := s.ListTags()
	want := map[string]bool{"x": true, "y": true}
	if len(tags) != len(want) {
		t.Fatalf("ListTags = %v, want keys of %v", tags, want)
	}
	for _, tag := range tags {
		if !want[tag] {
			t.Fatalf("unexpected tag %q", tag)
		}
	}
}
