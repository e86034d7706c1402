package main

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// UserStateDir returns the default root directory for user-specific state data.
//
// On Unix systems, it returns $XDG_STATE_HOME as specified by
// https://specifications.freedesktop.org/basedir-spec/basedir-spec-latest.html if
// non-empty, else $HOME/.local/state. On other systems it returns os.UserConfigDir.
func UserStateDir() (string, error) {
	switch runtime.GOOS {
	case "windows", "darwin", "ios", "plan9":
		return os.UserConfigDir()
	}

	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir, nil
	}

	home := os.Getenv("HOME")
	if home == "" {
		return "", errors.New("neither $XDG_STATE_HOME nor $HOME are defined")
	}

	return filepath.Join(home, ".local", "state"), nil
}

// defaultDirs returns the default configuration and state directories of the daemon.
func defaultDirs() (configDir string, stateDir string) {
	if dir, err := os.UserConfigDir(); err == nil {
		configDir = filepath.Join(dir, "go-mdnsd")
	} else {
		configDir = "."
	}

	if dir, err := UserStateDir(); err == nil {
		stateDir = filepath.Join(dir, "go-mdnsd")
	} else {
		stateDir = configDir
	}

	return configDir, stateDir
}

