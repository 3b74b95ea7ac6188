package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.tarp, or $TARP_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("TARP_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tarp")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the sqlite store path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "tarp.db")
}

// KVDir returns the file-backed key-value directory used when sqlite is
// unavailable.
func KVDir(name string) string {
	return filepath.Join(Dir(name), "kv")
}

// ThumbsDir returns the directory holding the image cache.
func ThumbsDir(name string) string {
	return filepath.Join(Dir(name), "thumbs")
}

// EnvPath returns the per-profile dotenv file.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "tarpd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), KVDir(name), ThumbsDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
