package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ContentWriter persists extracted page text under <data_dir>/content.
type ContentWriter struct {
	dir    string
	logger *zap.Logger
}

// NewContentWriter creates the content directory if needed.
func NewContentWriter(dataDir string, logger *zap.Logger) (*ContentWriter, error) {
	dir := filepath.Join(dataDir, "content")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content dir: %w", err)
	}
	return &ContentWriter{dir: dir, logger: logger}, nil
}

// Save writes text to content/<url-sha256>.txt and returns the path relative
// to the data dir. Empty text writes nothing and returns an empty path.
func (w *ContentWriter) Save(urlSHA256, text string) (string, error) {
	if text == "" {
		return "", nil
	}

	name := urlSHA256 + ".txt"
	path := filepath.Join(w.dir, name)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("failed to write content for %s: %w", urlSHA256, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize content for %s: %w", urlSHA256, err)
	}

	return filepath.Join("content", name), nil
}
