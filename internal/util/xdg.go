package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const appDir = "mbandit"

// DataPath joins elem onto the per-user data directory: $XDG_DATA_HOME/mbandit,
// or ~/.local/share/mbandit when XDG_DATA_HOME is unset or relative.
func DataPath(elem ...string) (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if !filepath.IsAbs(base) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve data directory: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(append([]string{base, appDir}, elem...)...), nil
}
