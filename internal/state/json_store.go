package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/bili2mp4/bili2mp4/internal/util"
)

// JSONStore keeps the snapshot in a single JSON file.
type JSONStore struct {
	path string
}

func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

func (s *JSONStore) Path() string {
	return s.path
}

func (s *JSONStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &snap, nil
}

// Save writes the snapshot to a temp file and renames it over the old one.
func (s *JSONStore) Save(ctx context.Context, snap *Snapshot) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := util.WriteFileAtomic(s.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

func (s *JSONStore) Close() error {
	return nil
}
