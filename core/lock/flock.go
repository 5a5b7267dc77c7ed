//go:build unix

package lock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// FlockService implements Service with advisory flock files, so multiple
// server processes on one host can serialize mutations of the same canvas.
type FlockService struct {
	lockDir string
}

func NewFlockService(lockDir string) (*FlockService, error) {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, err
	}
	return &FlockService{lockDir: lockDir}, nil
}

func (s *FlockService) TryAcquire(ctx context.Context, name string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.lockDir, sanitizeLockName(name)+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, err
	}

	return NewHandle(name, func() {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		_ = file.Close()
	}), nil
}

// sanitizeLockName keeps lock names filesystem-safe. Canvas sync names use
// a "canvas-sync:{id}" scheme; the colon is not portable as a file name.
func sanitizeLockName(name string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", string(os.PathSeparator), "_")
	return replacer.Replace(name)
}
