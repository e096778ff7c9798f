package training

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CheckpointDir holds the parameter snapshots of one run, one file per
// epoch. Files are created exclusively and never replaced.
type CheckpointDir struct {
	path string
}

// CreateCheckpointDir creates a fresh checkpoint directory. It fails with
// ErrAlreadyTrained if path already exists.
func CreateCheckpointDir(path string) (*CheckpointDir, error) {
	if parent := filepath.Dir(path); parent != "" {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create parent of %s: %w", path, err)
		}
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyTrained, path)
		}
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &CheckpointDir{path: path}, nil
}

// Path returns the directory location.
func (d *CheckpointDir) Path() string { return d.path }

// CheckpointName returns the file name of the snapshot taken after epoch.
func CheckpointName(epoch int) string {
	return fmt.Sprintf("model_epoch_%d.ckpt", epoch)
}

// Save writes the snapshot of epoch and syncs it to disk. It returns the
// path of the new file.
func (d *CheckpointDir) Save(epoch int, params ParamWriter) (string, error) {
	path := filepath.Join(d.path, CheckpointName(epoch))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint for epoch %d: %w", epoch, err)
	}

	// A checkpoint that could not be written completely is removed so no
	// truncated snapshot is left behind.
	if err := params.WriteParams(f); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write checkpoint for epoch %d: %w", epoch, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to sync checkpoint for epoch %d: %w", epoch, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to close checkpoint for epoch %d: %w", epoch, err)
	}
	return path, nil
}
