// Package memory implements the Distributed Memory component of
// spec.md §4.2: a namespaced, TTL'd, optionally sharded key-value store
// with secondary indexes, change notifications, cleanup, statistics,
// and export/import. It is the only legal cross-component shared
// state (spec.md §5) — every other component reaches it by id lookup,
// never by sharing a live Go pointer into it.
package memory

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruvnet/swarmcore/internal/config"
	"github.com/ruvnet/swarmcore/internal/coreerr"
	"github.com/ruvnet/swarmcore/internal/eventbus"
)

// ChangeOp identifies the kind of mutation published on memory.changed.
type ChangeOp string

const (
	OpStore  ChangeOp = "store"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is the payload of a memory.changed event (spec.md §4.2).
type ChangeEvent struct {
	Namespace string
	Key       string
	Op        ChangeOp
}

// Store is the Distributed Memory implementation.
type Store struct {
	cfg   config.MemoryConfig
	bus   *eventbus.Bus
	codec codec
	idx   *textIndex

	shards []*shard

	sizeMu    sync.Mutex
	sizeBytes int64 // approximate total logical size, for budget enforcement

	persist *walWriter // nil if persistence disabled
}

// New constructs a Store. bus may be nil if change notifications are
// not needed (e.g. in tests). If cfg.PersistenceRoot is non-empty, a
// write-ahead log is opened under it per spec.md §6.
func New(cfg config.MemoryConfig, bus *eventbus.Bus) (*Store, error) {
	if cfg.ShardCount < 1 {
		cfg.ShardCount = 1
	}
	idx, err := newTextIndex()
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, bus: bus, idx: idx}
	s.shards = make([]*shard, cfg.ShardCount)
	for i := range s.shards {
		s.shards[i] = newShard()
	}

	if cfg.PersistenceRoot != "" {
		w, err := newWALWriter(cfg.PersistenceRoot, cfg.ShardCount)
		if err != nil {
			idx.close()
			return nil, err
		}
		s.persist = w
	}
	return s, nil
}

// Close releases the store's background resources (text index, WAL).
func (s *Store) Close() error {
	if s.persist != nil {
		if err := s.persist.close(); err != nil {
			return err
		}
	}
	return s.idx.close()
}

func (s *Store) shardFor(namespace, key string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace + "\x00" + key))
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

// replicaShards returns the shards a (namespace,key) should be written
// to under the configured replication factor. The primary shard (index
// 0 of the result) is always shardFor's choice, so same-shard
// read-your-writes holds for any replication factor.
func (s *Store) replicaShards(namespace, key string) []*shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace + "\x00" + key))
	base := h.Sum64() % uint64(len(s.shards))
	n := s.cfg.ReplicationFactor
	if n < 1 {
		n = 1
	}
	if n > len(s.shards) {
		n = len(s.shards)
	}
	out := make([]*shard, n)
	for i := 0; i < n; i++ {
		out[i] = s.shards[(int(base)+i)%len(s.shards)]
	}
	return out
}

// StoreValue writes value under (namespace, key), creating a new entry or
// superseding an existing one and bumping its version (spec.md §4.2).
func (s *Store) StoreValue(key string, value []byte, opts StoreOptions) (string, error) {
	namespace := opts.namespace()
	now := time.Now()

	typ := opts.Type
	if typ == "" {
		typ = detectType(value)
	}

	replicas := s.replicaShards(namespace, key)
	primary := replicas[0]

	primary.mu.Lock()
	existing := primary.byKey[nskey{namespace, key}]
	primary.mu.Unlock()

	var id string
	var version int64 = 1
	var createdAt = now
	if existing != nil {
		id = existing.ID
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	} else {
		id = uuid.NewString()
	}

	rawSize := int64(len(value))
	storedValue := value
	compressed := false
	if opts.ForceCompress || (s.cfg.CompressionEnabled && rawSize >= s.cfg.CompressionThreshold) {
		c, err := s.codec.compress(value)
		if err == nil && int64(len(c)) < rawSize {
			storedValue = c
			compressed = true
		}
	}

	var expiresAt *time.Time
	ttl := opts.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	tags := append([]string(nil), opts.Tags...)
	if opts.Pinned && !hasTag(tags, pinnedTag) {
		tags = append(tags, pinnedTag)
	}

	entry := &Entry{
		ID:             id,
		Namespace:      namespace,
		Key:            key,
		Value:          storedValue,
		Type:           typ,
		Tags:           tags,
		Owner:          opts.Owner,
		Access:         opts.access(),
		SizeBytes:      rawSize,
		Version:        version,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      expiresAt,
		Compressed:     compressed,
	}

	// Indexing (tokenization/aggregation) always operates on the
	// decompressed representation; store the logical value there and
	// keep the physical bytes only in entry.Value when compressed.
	indexed := entry.clone()
	if compressed {
		indexed.Value = value
	}

	for _, rep := range replicas {
		rep.mu.Lock()
		rep.put(entry)
		rep.mu.Unlock()
	}

	if err := s.idx.upsert(indexed); err != nil {
		return "", fmt.Errorf("index entry %s: %w", id, err)
	}

	s.sizeMu.Lock()
	if existing != nil {
		s.sizeBytes += rawSize - existing.SizeBytes
	} else {
		s.sizeBytes += rawSize
	}
	overBudget := s.cfg.MaxMemorySizeBytes > 0 && s.sizeBytes > s.cfg.MaxMemorySizeBytes
	s.sizeMu.Unlock()

	if s.persist != nil {
		if err := s.persist.appendStore(entry); err != nil {
			return "", fmt.Errorf("persist entry %s: %w", id, err)
		}
	}

	s.publish(namespace, key, OpStore)

	if overBudget {
		s.evictToBudget()
	}

	return id, nil
}

// Retrieve looks up (namespace, key). Expired entries are treated as
// absent and scheduled for asynchronous removal.
func (s *Store) Retrieve(key string, opts RetrieveOptions) (*Entry, error) {
	namespace := opts.namespace()
	sh := s.shardFor(namespace, key)

	sh.mu.Lock()
	e, ok := sh.byKey[nskey{namespace, key}]
	if !ok {
		sh.mu.Unlock()
		return nil, nil
	}
	if e.Expired(time.Now()) {
		sh.mu.Unlock()
		go s.DeleteEntry(e.ID) //nolint:errcheck // best-effort async cleanup per spec.md §4.2
		return nil, nil
	}
	if !opts.SkipAccessUpdate {
		e.LastAccessedAt = time.Now()
	}
	out := e.clone()
	sh.mu.Unlock()

	out.Value = s.decompressed(out)
	return out, nil
}

func (s *Store) decompressed(e *Entry) []byte {
	if !e.Compressed {
		return e.Value
	}
	raw, err := s.codec.decompress(e.Value)
	if err != nil {
		return e.Value
	}
	return raw
}

// DeleteEntry removes an entry by id from the primary map and all
// secondary indexes (and all replica shards).
func (s *Store) DeleteEntry(id string) (bool, error) {
	var found *Entry
	for _, sh := range s.shards {
		sh.mu.Lock()
		if e, ok := sh.remove(id); ok {
			found = e
		}
		sh.mu.Unlock()
	}
	if found == nil {
		return false, nil
	}

	if err := s.idx.remove(id); err != nil {
		return false, fmt.Errorf("unindex entry %s: %w", id, err)
	}

	s.sizeMu.Lock()
	s.sizeBytes -= found.SizeBytes
	if s.sizeBytes < 0 {
		s.sizeBytes = 0
	}
	s.sizeMu.Unlock()

	if s.persist != nil {
		if err := s.persist.appendDelete(found.Namespace, found.Key, id); err != nil {
			return true, fmt.Errorf("persist delete %s: %w", id, err)
		}
	}

	s.publish(found.Namespace, found.Key, OpDelete)
	return true, nil
}

func (s *Store) publish(namespace, key string, op ChangeOp) {
	if s.bus == nil {
		return
	}
	s.bus.Publish("memory.changed", ChangeEvent{Namespace: namespace, Key: key, Op: op})
}

// ListNamespaces returns every distinct namespace currently holding
// at least one entry.
func (s *Store) ListNamespaces() []string {
	return s.listDistinct(func(e *Entry) string { return e.Namespace })
}

// ListTypes returns every distinct type tag in use.
func (s *Store) ListTypes() []string {
	return s.listDistinct(func(e *Entry) string { return string(e.Type) })
}

// ListTags returns every distinct tag in use across all entries.
func (s *Store) ListTags() []string {
	seen := make(map[string]bool)
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for tag := range sh.byTag {
			if len(sh.byTag[tag]) == 0 {
				continue
			}
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

func (s *Store) listDistinct(extract func(*Entry) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.byID {
			v := extract(e)
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// evictToBudget removes cleanup-eligible entries (expired first, then
// least-recently-accessed) until total size is back under the budget.
// Entries carrying the pinned tag (set by StoreOptions.Pinned or Pin)
// are never evicted.
func (s *Store) evictToBudget() {
	type candidate struct {
		id         string
		accessedAt time.Time
		expired    bool
		size       int64
	}
	var candidates []candidate
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.byID {
			if hasTag(e.Tags, pinnedTag) {
				continue
			}
			candidates = append(candidates, candidate{
				id: e.ID, accessedAt: e.LastAccessedAt, expired: e.Expired(now), size: e.SizeBytes,
			})
		}
		sh.mu.RUnlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].expired != candidates[j].expired {
			return candidates[i].expired // expired first
		}
		return candidates[i].accessedAt.Before(candidates[j].accessedAt)
	})

	for _, c := range candidates {
		s.sizeMu.Lock()
		over := s.cfg.MaxMemorySizeBytes > 0 && s.sizeBytes > s.cfg.MaxMemorySizeBytes
		s.sizeMu.Unlock()
		if !over {
			return
		}
		_, _ = s.DeleteEntry(c.id)
	}
}

const pinnedTag = "__pinned__"

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Pin marks key as ineligible for budget-driven eviction, for callers
// (e.g. the Background Executor) holding results an in-flight task
// still depends on.
func (s *Store) Pin(namespace, key string) error {
	return s.addTag(namespace, key, pinnedTag)
}

// Unpin reverses Pin.
func (s *Store) Unpin(namespace, key string) error {
	return s.removeTag(namespace, key, pinnedTag)
}

func (s *Store) addTag(namespace, key, tag string) error {
	sh := s.shardFor(namespace, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.byKey[nskey{namespace, key}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", coreerr.ErrNotFound, namespace, key)
	}
	if !hasTag(e.Tags, tag) {
		e.Tags = append(e.Tags, tag)
	}
	return nil
}

func (s *Store) removeTag(namespace, key, tag string) error {
	sh := s.shardFor(namespace, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.byKey[nskey{namespace, key}]
	if !ok {
		return fmt.Errorf("%w: %s/%s", coreerr.ErrNotFound, namespace, key)
	}
	for i, t := range e.Tags {
		if t == tag {
			e.Tags = append(e.Tags[:i], e.Tags[i+1:]...)
			break
		}
	}
	return nil
}
