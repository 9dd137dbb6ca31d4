package memory

import "time"

// StoreOptions configures a Store call (spec.md §4.2).
type StoreOptions struct {
	Namespace     string // default "default"
	Type          ValueType
	Tags          []string
	Owner         string
	Access        AccessLevel
	TTL           time.Duration // 0 = no expiry
	ForceCompress bool
	Pinned        bool // excluded from eviction while true (active task results)
}

func (o StoreOptions) namespace() string {
	if o.Namespace == "" {
		return "default"
	}
	return o.Namespace
}

func (o StoreOptions) access() AccessLevel {
	if o.Access == "" {
		return AccessPrivate
	}
	return o.Access
}

// RetrieveOptions configures a Retrieve call.
type RetrieveOptions struct {
	Namespace        string
	SkipAccessUpdate bool
}

func (o RetrieveOptions) namespace() string {
	if o.Namespace == "" {
		return "default"
	}
	return o.Namespace
}

// SortOrder for Query.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// SortField for Query.
type SortField string

const (
	SortByCreatedAt  SortField = "created_at"
	SortByUpdatedAt  SortField = "updated_at"
	SortByAccessedAt SortField = "accessed_at"
	SortBySize       SortField = "size"
	SortByKey        SortField = "key"
)

// AggregateBy names the Query aggregation bucket dimension.
type AggregateBy string

const (
	AggregateByNamespace AggregateBy = "namespace"
	AggregateByType      AggregateBy = "type"
	AggregateByOwner     AggregateBy = "owner"
	AggregateByTag       AggregateBy = "tags"
)

// QueryOptions filters and paginates a Query call.
type QueryOptions struct {
	Namespace      string
	Type           ValueType
	Tags           []string // set containment: entry must carry all of these
	Owner          string
	Access         AccessLevel
	KeyPattern     string // regex match against key (spec.md §4.2)
	ValueSubstring string
	FullText       string // case-insensitive substring match over textual values; no tokenization
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	UpdatedAfter   *time.Time
	UpdatedBefore  *time.Time
	MinSize        int64
	MaxSize        int64
	IncludeExpired bool

	Offset int
	Limit  int // 0 = unlimited

	SortBy    SortField
	SortOrder SortOrder

	AggregateBy AggregateBy // "" = no aggregation
}

// Aggregation is one bucket of a Query aggregation.
type Aggregation struct {
	Bucket    string
	Count     int
	TotalSize int64
}

// QueryResult is the return value of Query.
type QueryResult struct {
	Entries      []*Entry
	Total        int // total matches before pagination
	Aggregations []Aggregation
}

// CleanupOptions configures a Cleanup call.
type CleanupOptions struct {
	RemoveExpired     bool
	RemoveOlderThan   time.Duration // 0 = skip
	RemoveUnaccessed  time.Duration // 0 = skip
	RemoveOrphaned    bool          // accepted but not acted on: Cleanup removes no orphaned entries
	RemoveDuplicates  bool          // duplicate (namespace,key) should never exist, but guards corruption
	CompressEligible  bool
	ArchiveOld        time.Duration // 0 = skip; moves matching entries to "archive" namespace
	DryRun            bool
}

// CleanupAction records one effect of a Cleanup call, for reporting.
type CleanupAction struct {
	Kind string // "expired" | "stale" (older-than or unaccessed) | "compressed" | "archived"; duplicate removals are counted in Removed but not listed
	ID   string
	Key  string
}

// CleanupResult is the return value of Cleanup.
type CleanupResult struct {
	Removed        int
	Archived       int
	Compressed     int
	BytesReclaimed int64
	Actions        []CleanupAction
}
