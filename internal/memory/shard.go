package memory

import (
	"strings"
	"sync"
)

// nskey is the primary-map key: a namespace and a key are unique
// together (spec.md §3 "key uniqueness is per-namespace").
type nskey struct {
	namespace string
	key       string
}

// shard owns a partition of the keyspace and all secondary indexes over
// it. Every shard has its own lock so cross-shard operations (query,
// cleanup) only ever need to fan out and merge, never take a
// cluster-wide lock (spec.md §4.2 sharding).
type shard struct {
	mu sync.RWMutex

	byKey  map[nskey]*Entry
	byID   map[string]*Entry
	byType map[ValueType]map[string]*Entry // type -> id -> entry
	byTag  map[string]map[string]*Entry    // tag -> id -> entry
	byOwner map[string]map[string]*Entry   // owner -> id -> entry
	postings map[string]map[string]*Entry  // token -> id -> entry (full text)
}

func newShard() *shard {
	return &shard{
		byKey:    make(map[nskey]*Entry),
		byID:     make(map[string]*Entry),
		byType:   make(map[ValueType]map[string]*Entry),
		byTag:    make(map[string]map[string]*Entry),
		byOwner:  make(map[string]map[string]*Entry),
		postings: make(map[string]map[string]*Entry),
	}
}

// put installs e into all indexes. Caller holds s.mu for writing.
// If replacing an existing entry with the same id, the old indexes are
// removed first so none of them ever observe a half-updated state.
func (s *shard) put(e *Entry) {
	if old, ok := s.byID[e.ID]; ok {
		s.unindexLocked(old)
	}
	s.byKey[nskey{e.Namespace, e.Key}] = e
	s.byID[e.ID] = e

	if s.byType[e.Type] == nil {
		s.byType[e.Type] = make(map[string]*Entry)
	}
	s.byType[e.Type][e.ID] = e

	for _, tag := range e.Tags {
		if s.byTag[tag] == nil {
			s.byTag[tag] = make(map[string]*Entry)
		}
		s.byTag[tag][e.ID] = e
	}

	if e.Owner != "" {
		if s.byOwner[e.Owner] == nil {
			s.byOwner[e.Owner] = make(map[string]*Entry)
		}
		s.byOwner[e.Owner][e.ID] = e
	}

	if e.Type == TypeString || e.Type == TypeObject {
		for _, tok := range tokenize(string(e.Value)) {
			if s.postings[tok] == nil {
				s.postings[tok] = make(map[string]*Entry)
			}
			s.postings[tok][e.ID] = e
		}
	}
}

// unindexLocked removes e from every secondary index. Caller holds s.mu.
func (s *shard) unindexLocked(e *Entry) {
	delete(s.byKey, nskey{e.Namespace, e.Key})
	delete(s.byID, e.ID)
	if m := s.byType[e.Type]; m != nil {
		delete(m, e.ID)
	}
	for _, tag := range e.Tags {
		if m := s.byTag[tag]; m != nil {
			delete(m, e.ID)
		}
	}
	if m := s.byOwner[e.Owner]; m != nil {
		delete(m, e.ID)
	}
	for _, tok := range tokenize(string(e.Value)) {
		if m := s.postings[tok]; m != nil {
			delete(m, e.ID)
		}
	}
}

// remove deletes e and returns whether it existed.
func (s *shard) remove(id string) (*Entry, bool) {
	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	s.unindexLocked(e)
	return e, true
}

func (s *shard) all() []*Entry {
	out := make([]*Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	return out
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
