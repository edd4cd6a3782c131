// Package seed loads the initial URL frontier from seed files and sitemaps.
package seed

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

const batchSize = 1000

// Frontier is the slice of the frontier manager the loader needs.
type Frontier interface {
	AddBatch(ctx context.Context, urls []string, depth int) (int, error)
}

// Loader feeds seed URLs into the frontier at depth 0. Seeding is idempotent:
// URLs already in the seen set are rejected by the frontier's bloom pre-check.
type Loader struct {
	frontier Frontier
	logger   *zap.Logger
}

// NewLoader builds a seed loader over the frontier.
func NewLoader(frontier Frontier, logger *zap.Logger) *Loader {
	return &Loader{frontier: frontier, logger: logger}
}

// LoadFile reads a newline-delimited seed file (# comments allowed) and adds
// its URLs in batches. Returns the number of URLs actually written.
func (l *Loader) LoadFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	added := 0
	batch := make([]string, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := l.frontier.AddBatch(ctx, batch, 0)
		if err != nil {
			return fmt.Errorf("failed to add seed batch: %w", err)
		}
		added += n
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		batch = append(batch, line)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return added, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return added, fmt.Errorf("failed to read seed file: %w", err)
	}
	if err := flush(); err != nil {
		return added, err
	}

	l.logger.Info("seed file loaded",
		zap.String("path", path),
		zap.Int("added", added),
	)
	return added, nil
}
