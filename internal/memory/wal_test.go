package memory

import (
	"testing"

	"github.com/ruvnet/swarmcore/internal/config"
)

func TestWALReplayRebuildsEntries(t *testing.T) {
	root := t.TempDir()
	cfg := config.DefaultMemoryConfig()
	cfg.PersistenceRoot = root
	cfg.ShardCount = 3

	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.StoreValue("k1", []byte("v1"), StoreOptions{Namespace: "ns"}); err != nil {
		t.Fatalf("StoreValue k1: %v", err)
	}
	if _, err := s.StoreValue("k2", []byte("v2"), StoreOptions{Namespace: "ns"}); err != nil {
		t.Fatalf("StoreValue k2: %v", err)
	}
	if _, err := s.DeleteEntry(mustID(t, s, "ns", "k2")); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replayed := make(map[string]walRecord)
	if err := ReplayLog(root, "ns", func(rec walRecord) error {
		if rec.Op == OpDelete {
			delete(replayed, rec.Key)
			return nil
		}
		replayed[rec.Key] = rec
		return nil
	}); err != nil {
		t.Fatalf("ReplayLog: %v", err)
	}

	if _, ok := replayed["k1"]; !ok {
		t.Fatal("expected k1 to survive replay")
	}
	if _, ok := replayed["k2"]; ok {
		t.Fatal("expected k2 to have been removed by its delete record")
	}
	if string(replayed["k1"].Entry.Value) != "v1" {
		t.Fatalf("replayed k1 value = %q, want v1", replayed["k1"].Entry.Value)
	}
}

func mustID(t *testing.T, s *Store, namespace, key string) string {
	t.Helper()
	e, err := s.Retrieve(key, RetrieveOptions{Namespace: namespace, SkipAccessUpdate: true})
	if err != nil || e == nil {
		t.Fatalf("Retrieve %s/%s: %v", namespace, key, err)
	}
	return e.ID
}
