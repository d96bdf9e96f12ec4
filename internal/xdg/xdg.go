// Package xdg resolves the XDG state directory infragraph writes
// synthesized deployments into.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const app = "infragraph"

// Dirs holds the resolved XDG-compliant directory paths for infragraph.
type Dirs struct {
	// State is ~/.local/state/infragraph  (XDG_STATE_HOME)
	State string
}

// base returns the XDG base directory, falling back to the given default
// when the environment variable is unset or empty.
func base(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Default returns the resolved directory set using the current environment
// and home directory.
func Default() Dirs {
	return Dirs{
		State: filepath.Join(base("XDG_STATE_HOME", ".local/state"), app),
	}
}

// OutRoot returns the directory synthesized deployments are written under.
func (d Dirs) OutRoot() string {
	return filepath.Join(d.State, "out")
}

// OutDir returns the output directory of the named deployment.
func (d Dirs) OutDir(name string) string {
	return filepath.Join(d.OutRoot(), name)
}

// EnsureDirs creates the output root if it does not yet exist. It is
// created with mode 0700 since templates name accounts and secrets.
func (d Dirs) EnsureDirs() error {
	if err := os.MkdirAll(d.OutRoot(), 0o700); err != nil {
		return fmt.Errorf("create directory %s: %w", d.OutRoot(), err)
	}
	return nil
}
