package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"paperetl/internal/openalex"
)

// SnapshotMeta describes the fetch a snapshot was taken from.
type SnapshotMeta struct {
	FetchedAt    time.Time
	LookbackDays int
	Filter       string
}

type snapshotFile struct {
	Metadata snapshotMetadata `json:"metadata"`
	Records  []openalex.Work  `json:"records"`
}

type snapshotMetadata struct {
	Timestamp    string `json:"timestamp"`
	TotalCount   int    `json:"total_count"`
	LookbackDays int    `json:"lookback_days"`
	Filter       string `json:"filter"`
	Source       string `json:"source"`
}

// WriteSnapshot writes the fetched records to a timestamped JSON file in dir,
// creating dir if needed. The snapshot is a pre-write artifact: if the store
// stage fails entirely, the window can be replayed from it instead of
// refetching. The write goes through a temp file and rename so a crash never
// leaves a truncated snapshot behind.
func WriteSnapshot(dir string, meta SnapshotMeta, works []openalex.Work) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: create dir: %w", err)
	}

	doc := snapshotFile{
		Metadata: snapshotMetadata{
			Timestamp:    meta.FetchedAt.UTC().Format(time.RFC3339),
			TotalCount:   len(works),
			LookbackDays: meta.LookbackDays,
			Filter:       meta.Filter,
			Source:       "openalex",
		},
		Records: works,
	}

	name := fmt.Sprintf("papers_%s.json", meta.FetchedAt.UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("snapshot: finalize: %w", err)
	}

	return path, nil
}
