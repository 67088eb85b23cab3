package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tributary-data/tributary/pkg/checksum"
	"github.com/tributary-data/tributary/pkg/compression"
	"github.com/tributary-data/tributary/pkg/errors"
)

const (
	stateFileName = "state.json"
	indexFileName = "checksums.bin"
)

// FileStore persists state under a directory tree, one subdirectory per
// table. State documents are JSON; checksum indexes are JSON compressed
// with the configured codec. Writes go through a temp file and rename so
// a crash never leaves a half-written record behind.
type FileStore struct {
	root       string
	compressor *compression.Compressor
}

// NewFileStore creates a file-backed state store rooted at dir. algorithm
// selects the codec for checksum-index blobs.
func NewFileStore(dir string, algorithm compression.Algorithm) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "state directory is required")
	}
	if algorithm == "" {
		algorithm = compression.Zstd
	}

	comp, err := compression.NewCompressor(algorithm)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create compressor")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to create state directory")
	}

	return &FileStore{root: dir, compressor: comp}, nil
}

func (s *FileStore) tableDir(table string) string {
	safe := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(table)
	return filepath.Join(s.root, safe)
}

// Load returns the table's state, or nil when the table has never been
// synced
func (s *FileStore) Load(ctx context.Context, table string) (*SyncState, error) {
	data, err := os.ReadFile(filepath.Join(s.tableDir(table), stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to read state file")
	}

	var st SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to decode state file")
	}

	return &st, nil
}

// Save durably writes the table's state
func (s *FileStore) Save(ctx context.Context, st *SyncState) error {
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to encode state")
	}

	return s.writeAtomic(st.Table, stateFileName, data)
}

// LoadIndex returns the table's checksum index, empty when absent
func (s *FileStore) LoadIndex(ctx context.Context, table string) (checksum.Index, error) {
	blob, err := os.ReadFile(filepath.Join(s.tableDir(table), indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return checksum.Index{}, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to read checksum index")
	}

	data, err := s.compressor.Decompress(blob)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to decompress checksum index")
	}

	var ix checksum.Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to decode checksum index")
	}

	return ix, nil
}

// SaveIndex durably writes the table's checksum index
func (s *FileStore) SaveIndex(ctx context.Context, table string, ix checksum.Index) error {
	data, err := json.Marshal(ix)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to encode checksum index")
	}

	blob, err := s.compressor.Compress(data)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to compress checksum index")
	}

	return s.writeAtomic(table, indexFileName, blob)
}

// writeAtomic writes a file through a temp sibling and rename
func (s *FileStore) writeAtomic(table, name string, data []byte) error {
	dir := s.tableDir(table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to create table state directory")
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to create temp state file")
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to write state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to sync state file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to close state file")
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to commit state file")
	}

	return nil
}

// Close releases the store
func (s *FileStore) Close() error {
	return nil
}
