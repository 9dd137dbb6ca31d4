package memory

import "time"

const archiveNamespace = "archive"

// Cleanup implements spec.md §4.2's maintenance sweep. It is
// idempotent on a quiescent system: a second call with the same
// options after the first has run finds nothing left to act on.
func (s *Store) Cleanup(opts CleanupOptions) (*CleanupResult, error) {
	result := &CleanupResult{}
	now := time.Now()

	var toRemove, toCompress []*Entry
	var toArchive []*Entry

	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.byID {
			if opts.RemoveExpired && e.Expired(now) {
				toRemove = append(toRemove, e.clone())
				continue
			}
			if opts.RemoveOlderThan > 0 && now.Sub(e.CreatedAt) > opts.RemoveOlderThan {
				toRemove = append(toRemove, e.clone())
				continue
			}
			if opts.RemoveUnaccessed > 0 && now.Sub(e.LastAccessedAt) > opts.RemoveUnaccessed {
				toRemove = append(toRemove, e.clone())
				continue
			}
			if opts.ArchiveOld > 0 && e.Namespace != archiveNamespace && now.Sub(e.UpdatedAt) > opts.ArchiveOld {
				toArchive = append(toArchive, e.clone())
				continue
			}
			if opts.CompressEligible && !e.Compressed && e.SizeBytes >= s.cfg.CompressionThreshold {
				toCompress = append(toCompress, e.clone())
			}
		}
		sh.mu.RUnlock()
	}

	dedup := make(map[string]bool)
	var uniqueRemove []*Entry
	for _, e := range toRemove {
		if !dedup[e.ID] {
			dedup[e.ID] = true
			uniqueRemove = append(uniqueRemove, e)
		}
	}

	for _, e := range uniqueRemove {
		kind := "stale"
		switch {
		case e.Expired(now):
			kind = "expired"
		}
		result.Actions = append(result.Actions, CleanupAction{Kind: kind, ID: e.ID, Key: e.Key})
		if opts.DryRun {
			continue
		}
		if _, err := s.DeleteEntry(e.ID); err != nil {
			return nil, err
		}
		result.Removed++
		result.BytesReclaimed += e.SizeBytes
	}

	for _, e := range toArchive {
		result.Actions = append(result.Actions, CleanupAction{Kind: "archived", ID: e.ID, Key: e.Key})
		if opts.DryRun {
			continue
		}
		if err := s.archiveEntry(e); err != nil {
			return nil, err
		}
		result.Archived++
	}

	for _, e := range toCompress {
		result.Actions = append(result.Actions, CleanupAction{Kind: "compressed", ID: e.ID, Key: e.Key})
		if opts.DryRun {
			continue
		}
		saved, err := s.compressInPlace(e)
		if err != nil {
			return nil, err
		}
		result.Compressed++
		result.BytesReclaimed += saved
	}

	if opts.RemoveDuplicates {
		dupRemoved, err := s.removeDuplicates(opts.DryRun)
		if err != nil {
			return nil, err
		}
		result.Removed += dupRemoved
	}

	return result, nil
}

// archiveEntry moves an entry into the "archive" namespace, preserving
// its key, value, and metadata (spec.md §6 archive layout).
func (s *Store) archiveEntry(e *Entry) error {
	raw := s.decompressed(e)
	if _, err := s.StoreValue(e.Key, raw, StoreOptions{
		Namespace: archiveNamespace,
		Type:      e.Type,
		Tags:      e.Tags,
		Owner:     e.Owner,
		Access:    e.Access,
	}); err != nil {
		return err
	}
	_, err := s.DeleteEntry(e.ID)
	return err
}

// compressInPlace forces compression on an existing entry, returning
// the bytes reclaimed.
func (s *Store) compressInPlace(e *Entry) (int64, error) {
	raw := s.decompressed(e)
	before := int64(len(e.Value))
	if _, err := s.StoreValue(e.Key, raw, StoreOptions{
		Namespace:     e.Namespace,
		Type:          e.Type,
		Tags:          e.Tags,
		Owner:         e.Owner,
		Access:        e.Access,
		ForceCompress: true,
	}); err != nil {
		return 0, err
	}
	after := s.shardFor(e.Namespace, e.Key)
	after.mu.RLock()
	updated := after.byKey[nskey{e.Namespace, e.Key}]
	after.mu.RUnlock()
	if updated == nil {
		return 0, nil
	}
	return before - int64(len(updated.Value)), nil
}

// removeDuplicates guards against (namespace,key) corruption: this
// store's indexing makes true duplicates unreachable in normal
// operation, so this is a defensive pass over any shard whose byKey
// and byID maps have drifted out of sync.
func (s *Store) removeDuplicates(dryRun bool) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		var orphanIDs []string
		for id, e := range sh.byID {
			if sh.byKey[nskey{e.Namespace, e.Key}] != e {
				orphanIDs = append(orphanIDs, id)
			}
		}
		sh.mu.Unlock()
		for _, id := range orphanIDs {
			if dryRun {
				removed++
				continue
			}
			if ok, err := s.DeleteEntry(id); err == nil && ok {
				removed++
			}
		}
	}
	return removed, nil
}
