package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Persister loads and saves the whole entry collection.
type Persister interface {
	Load() ([]Entry, error)
	Save(entries []Entry, lastUpdated time.Time) error
}

type fileDocument struct {
	Entries  []Entry      `json:"entries"`
	Metadata fileMetadata `json:"metadata"`
}

type fileMetadata struct {
	LastUpdated Timestamp `json:"last_updated"`
}

// FileStore keeps the collection in a single JSON file that is rewritten in
// full on every save.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Path() string {
	return f.path
}

// Load returns the stored entries in file order. A missing file is an empty
// collection.
func (f *FileStore) Load() ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading knowledge file: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing knowledge file %s: %w", f.path, err)
	}
	return doc.Entries, nil
}

// Save writes to a temporary file in the same directory and renames it over
// the target, so readers see either the old or the new collection.
func (f *FileStore) Save(entries []Entry, lastUpdated time.Time) error {
	if entries == nil {
		entries = []Entry{}
	}
	doc := fileDocument{
		Entries:  entries,
		Metadata: fileMetadata{LastUpdated: Timestamp{lastUpdated}},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding knowledge file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating knowledge dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".knowledge-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing knowledge file: %w", err)
	}
	return nil
}
