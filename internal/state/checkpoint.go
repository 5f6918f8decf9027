package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Checkpoint stores the id of the last mail turned into a card.
type Checkpoint interface {
	Last() (string, error)
	SetLast(id string) error
}

// FileCheckpoint keeps the checkpoint in a JSON file of the form
// {"last": "<id>"}.
type FileCheckpoint struct {
	path string
}

// NewFileCheckpoint returns a checkpoint backed by the file at path.
func NewFileCheckpoint(path string) *FileCheckpoint {
	return &FileCheckpoint{path: path}
}

type checkpointFile struct {
	Last string `json:"last"`
}

// Last returns the stored id. A missing file yields "".
func (f *FileCheckpoint) Last() (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cf checkpointFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return "", fmt.Errorf("failed to parse checkpoint %s: %w", f.path, err)
	}
	return cf.Last, nil
}

// SetLast replaces the file atomically.
func (f *FileCheckpoint) SetLast(id string) error {
	data, err := json.Marshal(checkpointFile{Last: id})
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// OpenStore opens the state database and the checkpoint named by
// checkpointPath. A ".json" path selects a FileCheckpoint next to the
// database at its default location; any other path is the sqlite database
// itself, which then also holds the checkpoint. An empty path uses the
// default database.
func OpenStore(checkpointPath string) (*DB, Checkpoint, error) {
	if strings.EqualFold(filepath.Ext(checkpointPath), ".json") {
		db, err := Open(DefaultPath())
		if err != nil {
			return nil, nil, err
		}
		return db, NewFileCheckpoint(checkpointPath), nil
	}

	db, err := Open(checkpointPath)
	if err != nil {
		return nil, nil, err
	}
	return db, db, nil
}
