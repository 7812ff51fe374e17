// Package report writes the post-run summary document configured by the
// plan's report block.
package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/lib"
)

// DefaultPath is used when report.generate is set without report.output.
const DefaultPath = "stampede-report.json"

// Write renders the summary as an indented JSON document at path, creating
// parent directories as needed.
func Write(fs afero.Fs, path string, sum *lib.Summary) error {
	raw, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(fs, path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing report %s: %w", path, err)
	}
	return nil
}
