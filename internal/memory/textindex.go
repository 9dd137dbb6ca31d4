package memory

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// textIndex is a SQLite-backed accelerator for the query filters that
// are expensive to evaluate by walking every entry in Go: full-text
// search over textual values, substring search over values, and the
// per-bucket aggregations GetStatistics/Query report. The in-memory
// shard maps (shard.go) remain the source of truth for every other
// operation; textIndex is rebuilt from Store/Delete calls and can
// always be thrown away and reconstructed from the primary store.
type textIndex struct {
	db *sql.DB
}

func newTextIndex() (*textIndex, error) {
	db, err := sql.Open("sqlite3", "file:memidx?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open memory text index: %w", err)
	}
	db.SetMaxOpenConns(1) // shared in-memory db, avoid concurrent-writer lock thrash

	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		owner TEXT NOT NULL,
		type TEXT NOT NULL,
		value_text TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS entry_tags (
		id TEXT NOT NULL,
		tag TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entry_tags_id ON entry_tags(id);
	CREATE INDEX IF NOT EXISTS idx_entry_tags_tag ON entry_tags(tag);
	CREATE INDEX IF NOT EXISTS idx_entries_namespace ON entries(namespace);
	CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
	CREATE INDEX IF NOT EXISTS idx_entries_owner ON entries(owner);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create text index schema: %w", err)
	}
	return &textIndex{db: db}, nil
}

func (t *textIndex) close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *textIndex) upsert(e *Entry) error {
	valueText := ""
	if e.Type == TypeString || e.Type == TypeObject || e.Type == TypeArray {
		valueText = string(e.Value)
	}
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("text index begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM entries WHERE id = ?`, e.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM entry_tags WHERE id = ?`, e.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO entries (id, namespace, key, owner, type, value_text, size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Namespace, e.Key, e.Owner, string(e.Type), valueText, e.SizeBytes,
		e.CreatedAt.UnixNano(), e.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("text index insert: %w", err)
	}
	for _, tag := range e.Tags {
		if _, err := tx.Exec(`INSERT INTO entry_tags (id, tag) VALUES (?, ?)`, e.ID, tag); err != nil {
			return fmt.Errorf("text index insert tag: %w", err)
		}
	}
	return tx.Commit()
}

func (t *textIndex) remove(id string) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM entries WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM entry_tags WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// searchIDs returns entry ids whose indexed value_text contains
// substr (case-insensitive), restricted to the given namespace when
// non-empty.
func (t *textIndex) searchIDs(namespace, substr string) ([]string, error) {
	like := "%" + strings.ToLower(strings.ReplaceAll(substr, "%", "\\%")) + "%"
	query := `SELECT id FROM entries WHERE lower(value_text) LIKE ? ESCAPE '\'`
	args := []interface{}{like}
	if namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, namespace)
	}
	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("text index search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// aggregate groups all indexed entries by dimension and returns
// per-bucket count and total size, used by Query's AggregateBy and by
// GetStatistics' distribution breakdown.
func (t *textIndex) aggregate(dimension AggregateBy) ([]Aggregation, error) {
	var query string
	switch dimension {
	case AggregateByNamespace:
		query = `SELECT namespace, COUNT(*), COALESCE(SUM(size),0) FROM entries GROUP BY namespace`
	case AggregateByType:
		query = `SELECT type, COUNT(*), COALESCE(SUM(size),0) FROM entries GROUP BY type`
	case AggregateByOwner:
		query = `SELECT owner, COUNT(*), COALESCE(SUM(size),0) FROM entries GROUP BY owner`
	case AggregateByTag:
		query = `SELECT t.tag, COUNT(*), COALESCE(SUM(e.size),0)
		          FROM entry_tags t JOIN entries e ON e.id = t.id GROUP BY t.tag`
	default:
		return nil, fmt.Errorf("unknown aggregation dimension %q", dimension)
	}
	rows, err := t.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("text index aggregate: %w", err)
	}
	defer rows.Close()

	var out []Aggregation
	for rows.Next() {
		var a Aggregation
		if err := rows.Scan(&a.Bucket, &a.Count, &a.TotalSize); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
