package memory

import "testing"

func TestQueryFiltersByNamespaceAndTag(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("k1", []byte("v1"), StoreOptions{Namespace: "proj", Tags: []string{"urgent"}}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("k2", []byte("v2"), StoreOptions{Namespace: "proj"}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("k3", []byte("v3"), StoreOptions{Namespace: "other", Tags: []string{"urgent"}}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}

	res, err := s.Query(QueryOptions{Namespace: "proj", Tags: []string{"urgent"}})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Key != "k1" {
		t.Fatalf("Query = %+v, want single k1 entry", res.Entries)
	}
}

func TestQueryPagination(t *testing.T) {
	s := newTestStore(t)

	for _, k := range []string{"a", "b", "c", "d"} {
		if _, err := s.StoreValue(k, []byte("v"), StoreOptions{}); err != nil {
			t.Fatalf("StoreValue %s: %v", k, err)
		}
	}

	res, err := s.Query(QueryOptions{SortBy: SortByKey, SortOrder: SortAsc, Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Total != 4 {
		t.Fatalf("Total = %d, want 4", res.Total)
	}
	if len(res.Entries) != 2 || res.Entries[0].Key != "b" || res.Entries[1].Key != "c" {
		t.Fatalf("page = %+v, want [b c]", res.Entries)
	}
}

func TestQueryFullTextSearch(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("doc1", []byte("the quick brown fox"), StoreOptions{}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("doc2", []byte("a slow green turtle"), StoreOptions{}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}

	res, err := s.Query(QueryOptions{FullText: "quick"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Entries) != 1 || res.Entries[0].Key != "doc1" {
		t.Fatalf("FullText query = %+v, want single doc1 match", res.Entries)
	}
}

func TestQueryAggregateByNamespace(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.StoreValue("k1", []byte("v"), StoreOptions{Namespace: "ns-a"}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("k2", []byte("v"), StoreOptions{Namespace: "ns-a"}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}
	if _, err := s.StoreValue("k3", []byte("v"), StoreOptions{Namespace: "ns-b"}); err != nil {
		t.Fatalf("StoreValue: %v", err)
	}

	res, err := s.Query(QueryOptions{AggregateBy: AggregateByNamespace})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	counts := make(map[string]int)
	for _, agg := range res.Aggregations {
		counts[agg.Bucket] = agg.Count
	}
	if counts["ns-a"] != 2 || counts["ns-b"] != 1 {
		t.Fatalf("aggregation counts = %v, want ns-a:2 ns-b:1", counts)
	}
}
