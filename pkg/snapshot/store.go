// Package snapshot persists progress documents, one file per image reference.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"pullwatch/pkg/progress"
	"pullwatch/pkg/reference"
)

var (
	ErrDirectory = errors.New("failed to create snapshot directory")
	ErrFile      = errors.New("failed to write snapshot file")
)

const (
	fileExt  = ".json"
	fileMode = 0644
)

// Store reads and writes the snapshot file of a single image reference.
// Writes replace the file by rename, so readers in other processes never
// see a partially written snapshot.
type Store struct {
	dir      string
	filePath string
	mutex    sync.RWMutex
}

// NewStore returns the store for ref, located at
// <baseDir>/docker/<percent-encoded ref>.json.
func NewStore(baseDir, ref string) *Store {
	dir := Dir(baseDir)
	return &Store{
		dir:      dir,
		filePath: filepath.Join(dir, reference.Encode(ref)+fileExt),
	}
}

// Dir returns the directory holding every snapshot under baseDir.
func Dir(baseDir string) string {
	return filepath.Join(baseDir, "docker")
}

func (s *Store) Path() string {
	return s.filePath
}

func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w %s: %w", ErrDirectory, s.dir, err)
	}
	return nil
}

// Save overwrites the snapshot with the pretty-printed document.
func (s *Store) Save(doc *progress.Document) error {
	data, err := doc.MarshalIndent()
	if err != nil {
		return fmt.Errorf("%w: failed to marshal document: %w", ErrFile, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := atomic.WriteFile(s.filePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w %s: %w", ErrFile, s.filePath, err)
	}
	// atomic.WriteFile keeps the 0600 mode of its temp file.
	if err := os.Chmod(s.filePath, fileMode); err != nil {
		return fmt.Errorf("%w %s: %w", ErrFile, s.filePath, err)
	}
	return nil
}

// Read returns the raw snapshot bytes.
func (s *Store) Read() ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return data, nil
}

// Load decodes the snapshot back into a document.
func (s *Store) Load() (*progress.Document, error) {
	data, err := s.Read()
	if err != nil {
		return nil, err
	}

	doc := progress.NewDocument()
	if len(data) > 0 {
		if err := doc.UnmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot file: %w", err)
		}
	}
	return doc, nil
}

// List returns the references that have a snapshot under baseDir, sorted.
// A missing directory yields an empty list.
func List(baseDir string) ([]string, error) {
	entries, err := os.ReadDir(Dir(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var refs []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		ref, err := reference.Decode(strings.TrimSuffix(entry.Name(), fileExt))
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs, nil
}
