package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/utils"
)

// Document is the single persisted JSON artifact holding the full catalog
// and user settings.
type Document struct {
	Endpoints map[string]models.Endpoint `json:"endpoints"`
	Tunnels   map[string]models.Tunnel   `json:"tunnels"`
	Settings  models.AppSettings         `json:"settings"`
}

// NewDocument returns a default-initialized document.
func NewDocument() *Document {
	return &Document{
		Endpoints: make(map[string]models.Endpoint),
		Tunnels:   make(map[string]models.Tunnel),
		Settings:  models.DefaultSettings(),
	}
}

// Store persists the catalog document under a data directory as data.json.
// Writes are atomic: serialize to data.json.tmp, rename over data.json. The
// previous document is copied to data.json.bak first on a best-effort basis
// and the backup is removed once the rename lands, so a .bak on disk means
// the last write never completed.
type Store struct {
	dataDir string
	logger  utils.Logger
}

const (
	dataFileName = "data.json"
	tmpSuffix    = ".tmp"
	bakSuffix    = ".bak"
)

// NewStore creates a store rooted at dataDir. The directory is created
// lazily on first save.
func NewStore(dataDir string, logger utils.Logger) *Store {
	return &Store{
		dataDir: dataDir,
		logger:  logger.WithGroup("storage"),
	}
}

// Path returns the location of the persisted document.
func (s *Store) Path() string {
	return filepath.Join(s.dataDir, dataFileName)
}

// Load reads the persisted document. A missing file yields a default
// document; a present but unparsable file is a fatal error surfaced to the
// caller, which may offer recovery from the .bak sibling.
func (s *Store) Load() (*Document, error) {
	path := s.Path()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no data file, starting empty", "path", path)
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	doc := NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to parse data file %s: %w", path, err)
	}

	if doc.Endpoints == nil {
		doc.Endpoints = make(map[string]models.Endpoint)
	}
	if doc.Tunnels == nil {
		doc.Tunnels = make(map[string]models.Tunnel)
	}

	return doc, nil
}

// Save writes the document atomically.
func (s *Store) Save(doc *Document) error {
	if err := os.MkdirAll(s.dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	path := s.Path()
	bakPath := path + bakSuffix
	tmpPath := path + tmpSuffix

	// Best-effort backup of the current document.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, bakPath); err != nil {
			s.logger.Warn("failed to create backup", "error", err)
		}
	}

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize data: %w", err)
	}

	if err := os.WriteFile(tmpPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace data file: %w", err)
	}

	// The write committed; the backup is no longer interesting.
	os.Remove(bakPath)

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}
