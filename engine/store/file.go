package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hybridengine/hybridengine/workflow"
)

// FileStore persists one workflow document per directory:
//
//	<root>/<workflow_id>/state.json
//
// Writes go to a temporary file in the same directory followed by a
// rename, so a crash at any point leaves either the old or the new
// complete document on disk.
type FileStore struct {
	root string
}

// stateFileName is the document file inside each workflow directory.
const stateFileName = "state.json"

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("workflows directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflows directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the workflows directory this store reads and writes.
func (fs *FileStore) Root() string { return fs.root }

func (fs *FileStore) statePath(id string) string {
	return filepath.Join(fs.root, id, stateFileName)
}

// Exists reports whether a state.json is persisted for the ID.
func (fs *FileStore) Exists(_ context.Context, id string) bool {
	_, err := os.Stat(fs.statePath(id))
	return err == nil
}

// Get loads and decodes the document for the ID.
func (fs *FileStore) Get(_ context.Context, id string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(fs.statePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state for %s: %w", id, err)
	}

	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", id, err)
	}
	return &wf, nil
}

// Write stamps UpdatedAt and atomically replaces the document on disk.
func (fs *FileStore) Write(_ context.Context, id string, wf *workflow.Workflow) error {
	wf.UpdatedAt = time.Now().UTC()

	dir := filepath.Join(fs.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflow directory for %s: %w", id, err)
	}

	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", id, err)
	}

	// Temp file must live in the same directory as the target for the
	// rename to be atomic.
	tmp, err := os.CreateTemp(dir, stateFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state for %s: %w", id, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp state for %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp state for %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state for %s: %w", id, err)
	}

	if err := os.Rename(tmpName, fs.statePath(id)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state for %s: %w", id, err)
	}
	return nil
}

// List loads every persisted workflow, newest update first. Directories
// without a readable document are skipped.
func (fs *FileStore) List(ctx context.Context) ([]*workflow.Workflow, error) {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflows directory: %w", err)
	}

	var out []*workflow.Workflow
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wf, err := fs.Get(ctx, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, wf)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
