// Package staging manages the directory that holds update images while a
// session is open.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

const (
	filePrefix = "update_"
	fileSuffix = ".bin"
	lockName   = "update.lock"
)

// Root returns the default staging directory
func Root() string {
	if dir := os.Getenv("OTA_STAGING_DIR"); dir != "" {
		return dir
	}

	switch runtime.GOOS {
	case "darwin":
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, "Library", "Caches", "otacore", "staging")
		}
	case "linux":
		if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
			return filepath.Join(xdgCache, "otacore", "staging")
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".cache", "otacore", "staging")
		}
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "otacore", "staging")
		}
	}

	return filepath.Join(os.TempDir(), "otacore", "staging")
}

// Area is a staging directory.
type Area struct {
	Dir    string
	logger hclog.Logger
}

// Open creates dir if needed. An empty dir means Root().
func Open(dir string, logger hclog.Logger) (*Area, error) {
	if dir == "" {
		dir = Root()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Area{Dir: dir, logger: logger}, nil
}

// NewFile creates a uniquely named, empty staging file.
func (a *Area) NewFile() (*os.File, error) {
	name := filePrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")) + fileSuffix
	f, err := os.OpenFile(filepath.Join(a.Dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("📝 staging file created", "path", f.Name())
	return f, nil
}

// Discard closes and removes a staging file.
func (a *Area) Discard(f *os.File) {
	if f == nil {
		return
	}
	path := f.Name()
	f.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		a.logger.Debug("⚠️ failed to remove staging file", "path", path, "error", err)
	}
}

// Sweep removes staging files left behind by an abandoned session.
func (a *Area) Sweep() int {
	matches, err := filepath.Glob(filepath.Join(a.Dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return 0
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			a.logger.Debug("⚠️ failed to remove leftover staging file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		a.logger.Info("🧹 removed leftover staging files", "count", removed)
	}
	return removed
}

// LockPath is the path of the session lock file.
func (a *Area) LockPath() string {
	return filepath.Join(a.Dir, lockName)
}
