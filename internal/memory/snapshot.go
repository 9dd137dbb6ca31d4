package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// snapshotSeq is a process-wide counter so repeated snapshots of the
// same store don't collide on file name.
var snapshotSeq int64

// Snapshot writes every entry in namespace to a point-in-time file
// under ./<root>/memory/<namespace>/snapshot-<seq>.bin (spec.md §6),
// allowing the write-ahead log to be truncated by an operator tool
// without losing history (truncation itself is out of the core's
// scope; Snapshot only produces the artifact).
func (s *Store) Snapshot(namespace string) (string, error) {
	if s.persist == nil {
		return "", fmt.Errorf("persistence disabled")
	}

	var toDump []*Entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.byID {
			if e.Namespace == namespace {
				toDump = append(toDump, e.clone())
			}
		}
		sh.mu.RUnlock()
	}

	seq := atomic.AddInt64(&snapshotSeq, 1)
	dir := filepath.Join(s.persist.root, "memory", namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("snapshot-%d.bin", seq))

	data, err := json.Marshal(toDump)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
