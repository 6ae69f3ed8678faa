// Package export moves cassettes between cassette files and the archive
// database.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"replaydeck/cassette"
	"replaydeck/storage"
)

const (
	MergeAppend  = "append"
	MergeReplace = "replace"
)

type ExportManager struct {
	database *storage.Database
	logger   *zap.Logger
}

func NewExportManager(db *storage.Database, logger *zap.Logger) *ExportManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportManager{
		database: db,
		logger:   logger,
	}
}

// ExportCassette writes the archived cassette name to outputPath in the
// cassette file format. A ".gz" suffix compresses the file.
func (e *ExportManager) ExportCassette(name, outputPath string) (int, error) {
	items, err := e.database.LoadInteractions(name)
	if err != nil {
		return 0, fmt.Errorf("failed to load cassette: %w", err)
	}

	out := cassette.New(outputPath)
	for i, item := range items {
		if _, err := out.Append(item); err != nil {
			return 0, fmt.Errorf("failed to add interaction %d: %w", i, err)
		}
	}
	if len(items) == 0 {
		// An empty archive still produces a valid, empty cassette file.
		if err := out.Truncate(); err != nil {
			return 0, err
		}
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("failed to write cassette: %w", err)
	}

	e.logger.Info("[EXPORT] exported cassette",
		zap.String("cassette", name),
		zap.String("path", outputPath),
		zap.Int("interactions", len(items)))
	return len(items), nil
}

// ImportCassette loads the cassette file at inputPath into the archive
// under name, or under the file's base name when name is empty.
func (e *ExportManager) ImportCassette(inputPath, name, mergeStrategy string) (int, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return 0, fmt.Errorf("failed to open input file: %w", err)
	}

	in, err := cassette.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read cassette: %w", err)
	}
	items := in.ReadAll()

	if name == "" {
		name = CassetteName(inputPath)
	}

	switch mergeStrategy {
	case MergeReplace:
		_, err = e.database.ReplaceInteractions(name, items)
	case MergeAppend, "":
		mergeStrategy = MergeAppend
		_, err = e.database.AppendInteractions(name, items)
	default:
		return 0, fmt.Errorf("unknown merge strategy %q (must be 'append' or 'replace')", mergeStrategy)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to import interactions: %w", err)
	}

	e.logger.Info("[IMPORT] imported cassette",
		zap.String("cassette", name),
		zap.String("path", inputPath),
		zap.String("strategy", mergeStrategy),
		zap.Int("interactions", len(items)))
	return len(items), nil
}

// Archive stores the current content of c under name, replacing what was
// archived before.
func (e *ExportManager) Archive(name string, c *cassette.Cassette) error {
	items := c.ReadAll()
	if _, err := e.database.ReplaceInteractions(name, items); err != nil {
		return fmt.Errorf("failed to archive cassette %s: %w", name, err)
	}
	e.logger.Debug("[EXPORT] archived cassette", zap.String("cassette", name), zap.Int("interactions", len(items)))
	return nil
}

// CassetteName derives an archive name from a cassette file path.
func CassetteName(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".json")
	return name
}
