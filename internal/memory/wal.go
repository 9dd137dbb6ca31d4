package memory

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruvnet/swarmcore/internal/coreerr"
)

// walWriter appends length-prefixed, checksummed records to the
// per-namespace write-ahead log described in spec.md §6:
// ./<root>/memory/<namespace>/<shard-id>.log
type walWriter struct {
	mu         sync.Mutex
	root       string
	shardCount int
	files      map[string]*os.File // "namespace/shard-id" -> open append handle
}

type walRecord struct {
	Op        ChangeOp  `json:"op"`
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Entry     *walEntry `json:"entry,omitempty"`
}

// walEntry is the serializable projection of an Entry written to the
// log; ExpiresAt is a unix-nano pointer to survive JSON round-trips.
type walEntry struct {
	ID         string   `json:"id"`
	Value      []byte   `json:"value"`
	Type       string   `json:"type"`
	Tags       []string `json:"tags"`
	Owner      string   `json:"owner"`
	Access     string   `json:"access"`
	Version    int64    `json:"version"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
	ExpiresAt  *int64   `json:"expires_at,omitempty"`
	Compressed bool     `json:"compressed"`
}

func newWALWriter(root string, shardCount int) (*walWriter, error) {
	if shardCount < 1 {
		shardCount = 1
	}
	if err := os.MkdirAll(filepath.Join(root, "memory"), 0o755); err != nil {
		return nil, fmt.Errorf("create memory persistence root: %w", err)
	}
	return &walWriter{root: root, shardCount: shardCount, files: make(map[string]*os.File)}, nil
}

func (w *walWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func shardFileName(namespace, key string, shardCount int) string {
	idx := 0
	if shardCount > 1 {
		h := uint64(0)
		for _, b := range []byte(namespace + "\x00" + key) {
			h = h*31 + uint64(b)
		}
		idx = int(h % uint64(shardCount))
	}
	return filepath.Join(namespace, fmt.Sprintf("%d.log", idx))
}

func (w *walWriter) fileFor(namespace, key string) (*os.File, error) {
	rel := shardFileName(namespace, key, w.shardCount)
	if f, ok := w.files[rel]; ok {
		return f, nil
	}
	path := filepath.Join(w.root, "memory", rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	w.files[rel] = f
	return f, nil
}

func (w *walWriter) appendStore(e *Entry) error {
	expires := (*int64)(nil)
	if e.ExpiresAt != nil {
		n := e.ExpiresAt.UnixNano()
		expires = &n
	}
	rec := walRecord{
		Op:        OpStore,
		Namespace: e.Namespace,
		Key:       e.Key,
		Entry: &walEntry{
			ID: e.ID, Value: e.Value, Type: string(e.Type), Tags: e.Tags,
			Owner: e.Owner, Access: string(e.Access), Version: e.Version,
			CreatedAt: e.CreatedAt.UnixNano(), UpdatedAt: e.UpdatedAt.UnixNano(),
			ExpiresAt: expires, Compressed: e.Compressed,
		},
	}
	return w.append(e.Namespace, e.Key, rec)
}

func (w *walWriter) appendDelete(namespace, key, id string) error {
	return w.append(namespace, key, walRecord{Op: OpDelete, Namespace: namespace, Key: key})
}

func (w *walWriter) append(namespace, key string, rec walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.fileFor(namespace, key)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	checksum := crc32.ChecksumIEEE(payload)
	var sumBuf [4]byte
	binary.BigEndian.PutUint32(sumBuf[:], checksum)

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	if _, err := bw.Write(sumBuf[:]); err != nil {
		return err
	}
	return bw.Flush()
}

// ReplayLog reads every record across all of a namespace's shard log
// files and invokes apply for each, in per-file write order. A
// checksum mismatch is reported as coreerr.ErrCorruptData and stops
// the whole replay; files after the corrupt one are not read.
func ReplayLog(root, namespace string, apply func(walRecord) error) error {
	dir := filepath.Join(root, "memory", namespace)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".log" {
			continue
		}
		if err := replayFile(filepath.Join(dir, de.Name()), apply); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, apply func(walRecord) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var lenBuf [4]byte
		if _, err := readFull(r, lenBuf[:]); err != nil {
			break
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, size)
		if _, err := readFull(r, payload); err != nil {
			return fmt.Errorf("%w: truncated record in %s", coreerr.ErrCorruptData, path)
		}
		var sumBuf [4]byte
		if _, err := readFull(r, sumBuf[:]); err != nil {
			return fmt.Errorf("%w: truncated checksum in %s", coreerr.ErrCorruptData, path)
		}
		if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(sumBuf[:]) {
			return fmt.Errorf("%w: checksum mismatch in %s", coreerr.ErrCorruptData, path)
		}
		var rec walRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("%w: malformed record in %s", coreerr.ErrCorruptData, path)
		}
		if err := apply(rec); err != nil {
			return err
		}
	}
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
