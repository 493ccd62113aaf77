// Package store persists workflow documents. The canonical backend is
// FileStore, which keeps one atomically-replaced JSON document per
// workflow directory; MemStore backs tests.
package store

import (
	"context"
	"errors"

	"github.com/hybridengine/hybridengine/workflow"
)

// ErrNotFound is returned when a requested workflow ID has no persisted
// document.
var ErrNotFound = errors.New("workflow not found")

// Store provides durable persistence for workflow documents.
//
// Implementations must guarantee that readers observe either the previous
// or the new complete document, never a partial write. Serialization of
// writers for the same workflow is provided by the single-worker execution
// model plus the engine's per-workflow locks; stores do not arbitrate.
type Store interface {
	// Exists reports whether a document is persisted for the ID.
	Exists(ctx context.Context, id string) bool

	// Get loads the document for the ID.
	// Returns ErrNotFound when no document exists.
	Get(ctx context.Context, id string) (*workflow.Workflow, error)

	// Write persists the full document, stamping UpdatedAt to now.
	// The write is atomic: a crash mid-write leaves the old document.
	Write(ctx context.Context, id string, wf *workflow.Workflow) error

	// List returns every persisted workflow, sorted by UpdatedAt
	// descending. Unreadable entries are skipped, not fatal.
	List(ctx context.Context) ([]*workflow.Workflow, error)
}
