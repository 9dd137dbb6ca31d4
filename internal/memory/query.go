package memory

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/ruvnet/swarmcore/internal/coreerr"
)

// Query implements the filtering/pagination/aggregation contract of
// spec.md §4.2.
func (s *Store) Query(opts QueryOptions) (*QueryResult, error) {
	var candidateIDs map[string]bool
	if opts.FullText != "" {
		ids, err := s.idx.searchIDs(opts.Namespace, opts.FullText)
		if err != nil {
			return nil, err
		}
		candidateIDs = toSet(ids)
	} else if opts.ValueSubstring != "" {
		ids, err := s.idx.searchIDs(opts.Namespace, opts.ValueSubstring)
		if err != nil {
			return nil, err
		}
		candidateIDs = toSet(ids)
	}

	var keyRe *regexp.Regexp
	if opts.KeyPattern != "" {
		re, err := regexp.Compile(opts.KeyPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: key_pattern %q: %v", coreerr.ErrValidationFailed, opts.KeyPattern, err)
		}
		keyRe = re
	}

	now := time.Now()
	var matched []*Entry
	seen := make(map[string]bool)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, e := range sh.byID {
			if candidateIDs != nil && !candidateIDs[id] {
				continue
			}
			if seen[id] {
				continue // replica of an entry already merged from another shard
			}
			if matchesFilters(e, opts, keyRe, now) {
				seen[id] = true
				matched = append(matched, e.clone())
			}
		}
		sh.mu.RUnlock()
	}

	sortEntries(matched, opts.SortBy, opts.SortOrder)

	total := len(matched)
	page := paginate(matched, opts.Offset, opts.Limit)
	for _, e := range page {
		e.Value = s.decompressed(e)
	}

	result := &QueryResult{Entries: page, Total: total}
	if opts.AggregateBy != "" {
		agg, err := s.idx.aggregate(opts.AggregateBy)
		if err != nil {
			return nil, err
		}
		result.Aggregations = agg
	}
	return result, nil
}

func matchesFilters(e *Entry, opts QueryOptions, keyRe *regexp.Regexp, now time.Time) bool {
	if !opts.IncludeExpired && e.Expired(now) {
		return false
	}
	if opts.Namespace != "" && e.Namespace != opts.Namespace {
		return false
	}
	if opts.Type != "" && e.Type != opts.Type {
		return false
	}
	if opts.Owner != "" && e.Owner != opts.Owner {
		return false
	}
	if opts.Access != "" && e.Access != opts.Access {
		return false
	}
	if keyRe != nil && !keyRe.MatchString(e.Key) {
		return false
	}
	if len(opts.Tags) > 0 && !containsAll(e.Tags, opts.Tags) {
		return false
	}
	if opts.CreatedAfter != nil && e.CreatedAt.Before(*opts.CreatedAfter) {
		return false
	}
	if opts.CreatedBefore != nil && e.CreatedAt.After(*opts.CreatedBefore) {
		return false
	}
	if opts.UpdatedAfter != nil && e.UpdatedAt.Before(*opts.UpdatedAfter) {
		return false
	}
	if opts.UpdatedBefore != nil && e.UpdatedAt.After(*opts.UpdatedBefore) {
		return false
	}
	if opts.MinSize > 0 && e.SizeBytes < opts.MinSize {
		return false
	}
	if opts.MaxSize > 0 && e.SizeBytes > opts.MaxSize {
		return false
	}
	return true
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func sortEntries(entries []*Entry, field SortField, order SortOrder) {
	if field == "" {
		field = SortByCreatedAt
	}
	less := func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch field {
		case SortByUpdatedAt:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case SortByAccessedAt:
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		case SortBySize:
			return a.SizeBytes < b.SizeBytes
		case SortByKey:
			return a.Key < b.Key
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if order == SortDesc {
			return less(j, i)
		}
		return less(i, j)
	})
}

func paginate(entries []*Entry, offset, limit int) []*Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []*Entry{}
	}
	end := len(entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return entries[offset:end]
}
