package conversation

import (
	"fmt"
	"os"
	"path/filepath"
)

// Save writes the export into dir under its fixed filename and returns the written path. An existing
// report is overwritten.
func (e Export) Save(dir string) (string, error) {
	path := filepath.Join(dir, e.Filename)
	if err := os.WriteFile(path, []byte(e.Content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	return path, nil
}
