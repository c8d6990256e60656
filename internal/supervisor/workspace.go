package supervisor

import (
	"context"
	"os"
	"path/filepath"
)

// WorkspaceReader is the narrow filesystem surface Supervisor needs to
// read a project's workspace for memory files, plan notes, and
// process-monitor output, without pulling in a full sandbox dependency.
type WorkspaceReader interface {
	// ReadFile returns the contents of path (relative to the workspace
	// root), or an error if it does not exist.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// FSWorkspace reads files directly off the local filesystem, rooted at
// Root. Used when the Supervisor runs in the same sandbox as the
// workspace it drives.
type FSWorkspace struct {
	Root string
}

// NewFSWorkspace returns a WorkspaceReader rooted at root.
func NewFSWorkspace(root string) *FSWorkspace {
	return &FSWorkspace{Root: root}
}

func (w *FSWorkspace) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(w.Root, path))
}
