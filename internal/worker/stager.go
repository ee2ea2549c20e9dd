package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/pkg/model"
)

// Stager publishes the output of a finished job so the scheduler can serve
// it.
type Stager interface {
	StageOut(ctx context.Context, jobDir string, spec model.JobSpec) (location string, err error)
}

// FileStager stages job output using local filesystem operations.
// StageOut behavior depends on the mode:
//   - "local": leaves the files in the job directory and returns its file:// URI
//   - "file:///shared/path": copies job.out and job.err to
//     /shared/path/<job name>/, the layout the scheduler reads logs from
type FileStager struct {
	mode string
}

// NewFileStager creates a FileStager with the given stage-out mode.
func NewFileStager(mode string) *FileStager {
	return &FileStager{mode: mode}
}

// ParseStageOut validates a stage-out mode and returns the shared base
// directory, empty for "local".
func ParseStageOut(mode string) (string, error) {
	if mode == "" || mode == "local" {
		return "", nil
	}
	path, ok := strings.CutPrefix(mode, "file://")
	if !ok || !filepath.IsAbs(path) {
		return "", fmt.Errorf("unsupported stage-out %q: want local or file:///abs/path", mode)
	}
	return filepath.Clean(path), nil
}

// StageOut returns a file:// URI for the job's output files.
func (s *FileStager) StageOut(_ context.Context, jobDir string, spec model.JobSpec) (string, error) {
	base, err := ParseStageOut(s.mode)
	if err != nil {
		return "", fmt.Errorf("file stager: %w", err)
	}
	if base == "" {
		absPath, err := filepath.Abs(jobDir)
		if err != nil {
			return "", fmt.Errorf("file stager: abs path: %w", err)
		}
		return "file://" + absPath, nil
	}

	destDir := filepath.Join(base, executor.JobName(spec))
	for _, name := range []string{executor.StdoutFile, executor.StderrFile} {
		src := filepath.Join(jobDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyFile(src, filepath.Join(destDir, name)); err != nil {
			return "", fmt.Errorf("file stager: copy %s to shared: %w", name, err)
		}
	}
	return "file://" + destDir, nil
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
