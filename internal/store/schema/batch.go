package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Batch is a set of food log rows ingested atomically, such as all items
// derived from one meal photo.
type Batch struct {
	ID      string         `json:"id" yaml:"id"`
	UserID  string         `json:"user_id" yaml:"user_id"`
	Source  string         `json:"source,omitempty" yaml:"source,omitempty"` // manual, image
	Entries []FoodLogEntry `json:"entries" yaml:"entries"`
}

// SetDefaults fills identifiers and timestamps left empty by the producer.
// Rows inherit the batch's user and use the batch id as their meal id.
func (b *Batch) SetDefaults(now time.Time) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Source == "" {
		b.Source = "manual"
	}
	for i := range b.Entries {
		e := &b.Entries[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.UserID == "" {
			e.UserID = b.UserID
		}
		if e.MealID == "" {
			e.MealID = b.ID
		}
		if e.LoggedAt.IsZero() {
			e.LoggedAt = now
		}
	}
}

// Validate checks the batch envelope. Row-level validation happens inside the
// ingestion transaction so the failing index is reported.
func (b *Batch) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	if len(b.Entries) == 0 {
		return fmt.Errorf("batch %s has no entries", b.ID)
	}
	return nil
}

// UserIDs returns the distinct owners of the batch rows, in first-seen order.
func (b *Batch) UserIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range b.Entries {
		if e.UserID == "" || seen[e.UserID] {
			continue
		}
		seen[e.UserID] = true
		ids = append(ids, e.UserID)
	}
	return ids
}

// IsBatchFile reports whether name has an extension ReadBatchFile accepts.
func IsBatchFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// ReadBatchFile reads and parses a batch file. JSON and YAML are accepted,
// chosen by extension.
func ReadBatchFile(path string) (*Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file %s: %w", path, err)
	}

	var batch Batch
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &batch)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &batch)
	default:
		return nil, fmt.Errorf("unsupported batch file extension: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}

	if batch.ID == "" {
		base := filepath.Base(path)
		batch.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return &batch, nil
}

// WriteBatchFile writes b to dir/{id}.json.
// A batch without an id is given a fresh one.
func WriteBatchFile(dir string, b *Batch) (string, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create batch directory: %w", err)
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal batch %s: %w", b.ID, err)
	}

	// Write under a temporary name so watchers never see a partial file.
	path := filepath.Join(dir, b.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write batch file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to rename batch file %s: %w", path, err)
	}
	return path, nil
}
