package media

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

func createWorkspace(baseDir string) (workspace, error) {
	jobID := uuid.NewString()
	ws := workspaceFor(baseDir, jobID)
	if err := os.MkdirAll(ws.inDir, 0o755); err != nil {
		return workspace{}, fmt.Errorf("failed to create input dir: %w", err)
	}
	if err := os.MkdirAll(ws.outDir, 0o755); err != nil {
		return workspace{}, fmt.Errorf("failed to create output dir: %w", err)
	}
	return ws, nil
}

func workspaceFor(baseDir, jobID string) workspace {
	dir := filepath.Join(baseDir, jobID)
	return workspace{
		jobID:  jobID,
		dir:    dir,
		inDir:  filepath.Join(dir, "in"),
		outDir: filepath.Join(dir, "out"),
	}
}

func removeDir(dir string) {
	if dir == "" {
		return
	}
	_ = os.RemoveAll(dir)
}
