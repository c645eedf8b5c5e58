// Package paths resolves the on-disk layout of a wpphook instance.
package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wpphook.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpphook")
}

// InstanceDir returns the default data directory of a named instance.
func InstanceDir(name string) string {
	return filepath.Join(BaseDir(), "instances", name)
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Layout names every file the daemon owns inside its data directory.
type Layout struct {
	Root string
}

// Resolve returns the layout rooted at dataDir, or at the instance's default
// directory when dataDir is empty.
func Resolve(dataDir, instance string) Layout {
	if dataDir == "" {
		dataDir = InstanceDir(instance)
	}
	return Layout{Root: dataDir}
}

// SocketPath returns the admin (gRPC health) socket path.
func (l Layout) SocketPath() string {
	return filepath.Join(l.Root, "admin.sock")
}

// LockPath returns the instance lock file path.
func (l Layout) LockPath() string {
	return filepath.Join(l.Root, "LOCK")
}

// DBPath returns the default SQLite database path.
func (l Layout) DBPath() string {
	return filepath.Join(l.Root, "wpphook.db")
}

// LogDir returns the log directory.
func (l Layout) LogDir() string {
	return filepath.Join(l.Root, "logs")
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir(), "wpphookd.log")
}

// SpoolDir returns the default payload spool directory.
func (l Layout) SpoolDir() string {
	return filepath.Join(l.Root, "spool")
}

// EnvPath returns the optional .env file read at startup.
func (l Layout) EnvPath() string {
	return filepath.Join(l.Root, ".env")
}

// Ensure creates the directory tree with proper permissions.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Root, l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
