package reports

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileStore keeps one YAML file per report in a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store under dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create reports directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes report to its own YAML file, named so a directory listing
// sorts by kind and start time.
func (s *FileStore) Save(_ context.Context, report Report) error {
	if err := report.validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	name := fmt.Sprintf("%s-%020d-%s.yaml", report.Kind, report.Started, report.ID)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	content := "# madkv run report\n\n" + string(data)
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}

// List reads back every report of kind, oldest first.
func (s *FileStore) List(_ context.Context, kind Kind) ([]Report, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read reports directory: %w", err)
	}

	var reports []Report
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, string(kind)+"-") || !strings.HasSuffix(name, ".yaml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read report %s: %w", name, err)
		}
		var report Report
		if err := yaml.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("failed to parse report %s: %w", name, err)
		}
		reports = append(reports, report)
	}

	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Started < reports[j].Started
	})
	return reports, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
