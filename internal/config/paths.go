package config

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.tripchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tripchat")
}

// Path returns the global config file path.
func Path() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// ProfileDir returns the profile-specific directory.
func ProfileDir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// CredDBPath returns the credential store path for a profile.
func CredDBPath(profile string) string {
	return filepath.Join(ProfileDir(profile), "credentials.db")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(ProfileDir(profile), "logs")
}

// LogPath returns the client log file path for a profile.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "tripchat.log")
}

// EnsureProfileDir creates the profile directory tree with proper permissions.
func EnsureProfileDir(profile string) error {
	for _, d := range []string{ProfileDir(profile), LogDir(profile)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
