package storage

import (
	"os"
	"path/filepath"
	"sync"
)

// Dirs resolves the directories the embedded backends live under, with XDG
// support.
type Dirs struct {
	Config string // config.yaml
	Data   string // badger blobs, sqlite metadata
	State  string // advisory lock files, logs
}

var (
	globalDirs     *Dirs
	globalDirsOnce sync.Once
)

// ResolveDirs returns platform-appropriate directories. Results are cached
// after the first call.
func ResolveDirs() *Dirs {
	globalDirsOnce.Do(func() {
		globalDirs = &Dirs{
			Config: resolveDir("XDG_CONFIG_HOME", homeDir(".config")),
			Data:   resolveDir("XDG_DATA_HOME", homeDir(".local", "share")),
			State:  resolveDir("XDG_STATE_HOME", homeDir(".local", "state")),
		}
	})
	return globalDirs
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, "easel")
	}
	return filepath.Join(fallback, "easel")
}

func homeDir(subpath ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(append([]string{home}, subpath...)...)
}

// ConfigPath returns the user config file path.
func (d *Dirs) ConfigPath() string {
	return filepath.Join(d.Config, "config.yaml")
}

// DataDir returns the data subdirectory path.
func (d *Dirs) DataDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Data}, subpath...)...)
}

// StateDir returns the state subdirectory path.
func (d *Dirs) StateDir(subpath ...string) string {
	return filepath.Join(append([]string{d.State}, subpath...)...)
}

// BlobDir returns the badger blob store directory.
func (d *Dirs) BlobDir() string {
	return d.DataDir("blobs")
}

// MetadataPath returns the sqlite metadata database path.
func (d *Dirs) MetadataPath() string {
	return d.DataDir("metadata.db")
}

// LockDir returns the advisory lock directory.
func (d *Dirs) LockDir() string {
	return d.StateDir("locks")
}

// EnsureAll creates the standard directories.
func (d *Dirs) EnsureAll() error {
	for _, dir := range []string{d.Config, d.Data, d.BlobDir(), d.State, d.LockDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
