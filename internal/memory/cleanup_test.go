package memory

import (
	"testing"
	"time"
)

func TestCleanupRemovesExpired(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("ttl-key", []byte("v"), StoreOptions{TTL: time.Millisecond}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("keep-key", []byte("v"), StoreOptions{}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := s.Cleanup(CleanupOptions{RemoveExpired: true})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("Removed = %d, want 1", res.Removed)
	}

	kept, err := s.Retrieve("keep-key", RetrieveOptions{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if kept == nil {
		t.Fatal("keep-key should have survived cleanup")
	}
}

func TestCleanupIsIdempotentOnQuiescentStore(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("ttl-key", []byte("v"), StoreOptions{TTL: time.Millisecond}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	first, err := s.Cleanup(CleanupOptions{RemoveExpired: true, RemoveDuplicates: true})
	if err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	if first.Removed != 1 {
		t.Fatalf("first Removed = %d, want 1", first.Removed)
	}

	second, err := s.Cleanup(CleanupOptions{RemoveExpired: true, RemoveDuplicates: true})
	if err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if second.Removed != 0 || len(second.Actions) != 0 {
		t.Fatalf("second Cleanup = %+v, want no-op", second)
	}
}

func TestCleanupArchivesOldEntries(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("old", []byte("v"), StoreOptions{}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	e, err := s.Retrieve("old", RetrieveOptions{SkipAccessUpdate: true})
	if err != nil || e == nil {
		t.Fatalf("Retrieve: %v", err)
	}
	sh := s.shardFor("default", "old")
	sh.mu.Lock()
	sh.byID[e.ID].UpdatedAt = time.Now().Add(-48 * time.Hour)
	sh.mu.Unlock()

	res, err := s.Cleanup(CleanupOptions{ArchiveOld: time.Hour})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("Archived = %d, want 1", res.Archived)
	}

	archived, err := s.Retrieve("old", RetrieveOptions{Namespace: archiveNamespace})
	if err != nil {
		t.Fatalf("Retrieve archived: %v", err)
	}
	if archived == nil {
		t.Fatal("expected entry under the archive namespace")
	}
}

func TestCleanupDryRunMakesNoChanges(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("ttl-key", []byte("v"), StoreOptions{TTL: time.Millisecond}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := s.Cleanup(CleanupOptions{RemoveExpired: true, DryRun: true})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(res.Actions) != 1 || res.Removed != 0 {
		t.Fatalf("dry-run Cleanup = %+v, want one planned action and zero removals", res)
	}
}
