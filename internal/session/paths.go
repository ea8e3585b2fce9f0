package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.fixsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fixsync")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the control socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// CacheDBPath returns the local cache database path.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// CredentialsPath returns the primary credentials file path.
func CredentialsPath(name string) string {
	return filepath.Join(Dir(name), "credentials.json")
}

// LegacyCredentialsPath returns the pre-rename credentials file path.
// Older installs wrote the session blob here; the identity resolver still
// reads it as a fallback.
func LegacyCredentialsPath(name string) string {
	return filepath.Join(Dir(name), "auth.json")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "fixsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with owner-only permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
