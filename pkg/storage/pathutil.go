package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// withinDir joins name onto dir and checks the result stays inside dir. It
// blocks ids such as "../../etc/passwd" from escaping the workspace.
func withinDir(dir, name string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(absDir, name))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	prefix := absDir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(absPath, prefix) {
		return "", fmt.Errorf("access denied: %q is outside %s", name, dir)
	}
	return absPath, nil
}
