package memory

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"

	"github.com/ruvnet/swarmcore/internal/coreerr"
)

// Format names the serialization spec.md §6 requires.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatYAML Format = "yaml"
)

// ConflictPolicy controls Import's behavior when a (namespace,key)
// already exists.
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictSkip       ConflictPolicy = "skip"
	ConflictMerge      ConflictPolicy = "merge" // keep existing tags/owner, overwrite value
	ConflictRename     ConflictPolicy = "rename"
)

// ExportOptions configures Export.
type ExportOptions struct {
	Namespace       string
	Type            ValueType
	IncludeMetadata bool
	Compress        bool
	EncryptKey      []byte // any length, hashed with SHA-256 to 32 bytes; if set, the document is sealed with XChaCha20-Poly1305
}

// ImportOptions configures Import.
type ImportOptions struct {
	Conflict         ConflictPolicy
	DryRun           bool
	Validate         bool
	DecryptKey       []byte
	ExpectedChecksum string // if non-empty, must match the export's metadata checksum
}

// ExportMetadata is the top-level envelope written alongside entries
// (spec.md §6 "JSON export is an object with top-level metadata...").
type ExportMetadata struct {
	Generator string    `json:"generator" yaml:"generator"`
	Version   string    `json:"version" yaml:"version"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Checksum  string    `json:"checksum" yaml:"checksum"`
	Encrypted bool      `json:"encrypted" yaml:"encrypted"`
	Nonce     string    `json:"nonce,omitempty" yaml:"nonce,omitempty"` // hex, present if Encrypted
	Count     int       `json:"count" yaml:"count"`
}

type exportEntry struct {
	Namespace  string    `json:"namespace" yaml:"namespace" xml:"namespace"`
	Key        string    `json:"key" yaml:"key" xml:"key"`
	Value      string    `json:"value" yaml:"value" xml:"value"` // base64-safe string form
	Type       string    `json:"type" yaml:"type" xml:"type"`
	Tags       []string  `json:"tags" yaml:"tags" xml:"tags>tag"`
	Owner      string    `json:"owner,omitempty" yaml:"owner,omitempty" xml:"owner,omitempty"`
	Access     string    `json:"access,omitempty" yaml:"access,omitempty" xml:"access,omitempty"`
	Version    int64     `json:"version" yaml:"version" xml:"version"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at" xml:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at" xml:"updated_at"`
	Compressed bool      `json:"compressed" yaml:"compressed" xml:"compressed"`
}

type exportDocument struct {
	XMLName  xml.Name      `json:"-" yaml:"-" xml:"export"`
	Metadata ExportMetadata `json:"metadata" yaml:"metadata" xml:"metadata"`
	Entries  []exportEntry  `json:"entries" yaml:"entries" xml:"entries>entry"`
}

// Export serializes the matching entries to path in the given format
// and returns the metadata checksum (over the pre-encryption entries
// payload), which Import can be asked to verify.
func (s *Store) Export(path string, format Format, opts ExportOptions) (string, error) {
	res, err := s.Query(QueryOptions{Namespace: opts.Namespace, Type: opts.Type, Limit: 0})
	if err != nil {
		return "", err
	}

	entries := make([]exportEntry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, exportEntry{
			Namespace: e.Namespace, Key: e.Key, Value: string(e.Value), Type: string(e.Type),
			Tags: e.Tags, Owner: e.Owner, Access: string(e.Access), Version: e.Version,
			CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt, Compressed: e.Compressed,
		})
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	checksum := fmt.Sprintf("%x", sha256.Sum256(payload))

	doc := exportDocument{
		Metadata: ExportMetadata{
			Generator: "swarmcore-memory", Version: "1", Timestamp: time.Now(),
			Checksum: checksum, Count: len(entries),
		},
		Entries: entries,
	}

	var body []byte
	switch format {
	case FormatJSON:
		body, err = json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		body, err = yaml.Marshal(doc)
	case FormatXML:
		body, err = xml.MarshalIndent(doc, "", "  ")
	case FormatCSV:
		body, err = marshalCSV(doc)
	default:
		return "", fmt.Errorf("%w: unknown export format %q", coreerr.ErrValidationFailed, format)
	}
	if err != nil {
		return "", err
	}

	if len(opts.EncryptKey) > 0 {
		sealed, nonce, err := sealChaCha20(opts.EncryptKey, body)
		if err != nil {
			return "", err
		}
		envelope := encryptedEnvelope{
			Metadata: ExportMetadata{
				Generator: doc.Metadata.Generator, Version: doc.Metadata.Version,
				Timestamp: doc.Metadata.Timestamp, Checksum: doc.Metadata.Checksum,
				Count: doc.Metadata.Count, Encrypted: true, Nonce: fmt.Sprintf("%x", nonce),
			},
			InnerFormat: string(format),
			Ciphertext:  sealed,
		}
		body, err = json.MarshalIndent(envelope, "", "  ")
		if err != nil {
			return "", err
		}
	}

	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	return checksum, nil
}

// encryptedEnvelope is the on-disk shape when Export is given an
// EncryptKey: metadata (including the nonce) stays in the clear, and
// the inner document — serialized in whatever Format was requested —
// is sealed as a single ciphertext (spec.md §6: encryption "wraps the
// entries array after serialization").
type encryptedEnvelope struct {
	Metadata    ExportMetadata `json:"metadata"`
	InnerFormat string         `json:"inner_format"`
	Ciphertext  []byte         `json:"ciphertext"`
}

func marshalCSV(doc exportDocument) ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	header := []string{"namespace", "key", "value", "type", "tags", "owner", "access", "version", "created_at", "updated_at", "compressed"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range doc.Entries {
		row := []string{
			e.Namespace, e.Key, e.Value, e.Type, strings.Join(e.Tags, ";"), e.Owner, e.Access,
			strconv.FormatInt(e.Version, 10), e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano),
			strconv.FormatBool(e.Compressed),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return []byte(sb.String()), w.Error()
}

func unmarshalCSV(body []byte) (exportDocument, error) {
	r := csv.NewReader(strings.NewReader(string(body)))
	rows, err := r.ReadAll()
	if err != nil {
		return exportDocument{}, err
	}
	if len(rows) == 0 {
		return exportDocument{}, nil
	}
	var doc exportDocument
	for _, row := range rows[1:] {
		if len(row) < 11 {
			continue
		}
		version, _ := strconv.ParseInt(row[7], 10, 64)
		createdAt, _ := time.Parse(time.RFC3339Nano, row[8])
		updatedAt, _ := time.Parse(time.RFC3339Nano, row[9])
		compressed, _ := strconv.ParseBool(row[10])
		var tags []string
		if row[4] != "" {
			tags = strings.Split(row[4], ";")
		}
		doc.Entries = append(doc.Entries, exportEntry{
			Namespace: row[0], Key: row[1], Value: row[2], Type: row[3], Tags: tags,
			Owner: row[5], Access: row[6], Version: version, CreatedAt: createdAt,
			UpdatedAt: updatedAt, Compressed: compressed,
		})
	}
	doc.Metadata.Count = len(doc.Entries)
	return doc, nil
}

// Import reads a file produced by Export and re-stores its entries,
// applying opts.Conflict to any (namespace,key) collision.
func (s *Store) Import(path string, format Format, opts ImportOptions) (int, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read import file: %w", err)
	}

	var envelope encryptedEnvelope
	if json.Unmarshal(body, &envelope) == nil && envelope.Metadata.Encrypted {
		if len(opts.DecryptKey) == 0 {
			return 0, fmt.Errorf("%w: import file is encrypted but no decrypt key given", coreerr.ErrValidationFailed)
		}
		nonce, err := hex.DecodeString(envelope.Metadata.Nonce)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed nonce", coreerr.ErrCorruptData)
		}
		plain, err := openChaCha20(opts.DecryptKey, nonce, envelope.Ciphertext)
		if err != nil {
			return 0, fmt.Errorf("decrypt import file: %w", err)
		}
		body = plain
		format = Format(envelope.InnerFormat)
		if opts.ExpectedChecksum == "" {
			opts.ExpectedChecksum = envelope.Metadata.Checksum
		}
	}

	var doc exportDocument
	switch format {
	case FormatJSON:
		err = json.Unmarshal(body, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(body, &doc)
	case FormatXML:
		err = xml.Unmarshal(body, &doc)
	case FormatCSV:
		doc, err = unmarshalCSV(body)
	default:
		return 0, fmt.Errorf("%w: unknown import format %q", coreerr.ErrValidationFailed, format)
	}
	if err != nil {
		return 0, fmt.Errorf("parse import file: %w", err)
	}

	if opts.ExpectedChecksum != "" && doc.Metadata.Checksum != "" && opts.ExpectedChecksum != doc.Metadata.Checksum {
		return 0, fmt.Errorf("%w: export checksum mismatch", coreerr.ErrCorruptData)
	}

	if opts.Validate {
		for _, e := range doc.Entries {
			if e.Namespace == "" || e.Key == "" {
				return 0, fmt.Errorf("%w: import entry missing namespace/key", coreerr.ErrValidationFailed)
			}
		}
	}

	imported := 0
	for _, e := range doc.Entries {
		key := e.Key
		existing, _ := s.Retrieve(key, RetrieveOptions{Namespace: e.Namespace, SkipAccessUpdate: true})
		if existing != nil {
			switch opts.Conflict {
			case ConflictSkip:
				continue
			case ConflictRename:
				renamed, ok := s.findFreeKey(e.Namespace, key)
				if !ok {
					return imported, fmt.Errorf("%w: no free key for %s/%s", coreerr.ErrConflictResolutionRequired, e.Namespace, key)
				}
				key = renamed
			case ConflictMerge:
				// keep existing owner/access/tags, take the incoming value
			case ConflictOverwrite, "":
				// fall through to overwrite
			}
		}
		if opts.DryRun {
			imported++
			continue
		}

		owner, access, tags := e.Owner, AccessLevel(e.Access), e.Tags
		if existing != nil && opts.Conflict == ConflictMerge {
			owner, access, tags = existing.Owner, existing.Access, existing.Tags
		}

		if _, err := s.StoreValue(key, []byte(e.Value), StoreOptions{
			Namespace: e.Namespace, Type: ValueType(e.Type), Tags: tags, Owner: owner, Access: access,
		}); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func (s *Store) findFreeKey(namespace, key string) (string, bool) {
	for i := 1; i <= 1000; i++ {
		candidate := fmt.Sprintf("%s~%d", key, i)
		if existing, _ := s.Retrieve(candidate, RetrieveOptions{Namespace: namespace, SkipAccessUpdate: true}); existing == nil {
			return candidate, true
		}
	}
	return "", false
}

func sealChaCha20(key, plaintext []byte) (sealed, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(derive32(key))
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func openChaCha20(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(derive32(key))
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: wrong nonce size", coreerr.ErrCorruptData)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", coreerr.ErrCorruptData)
	}
	return plain, nil
}

func derive32(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}
