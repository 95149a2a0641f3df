// Package workspace confines user-supplied file references to a data root.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard resolves user-typed file names against a data root and refuses
// anything that escapes it.
type Guard struct {
	rootPath string
}

// NewGuard resolves root. An empty root means the current directory.
func NewGuard(root string) (*Guard, error) {
	resolved, err := ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	return &Guard{rootPath: resolved}, nil
}

// ResolveRoot normalizes a data root path. The directory must exist.
func ResolveRoot(root string) (string, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		trimmed = "."
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute data root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(filepath.Clean(absPath))
	if err != nil {
		return "", fileError(err, root)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fileError(err, root)
	}
	if !info.IsDir() {
		return "", refuse(InvalidName, root, "data root is not a directory")
	}

	return filepath.Clean(resolved), nil
}

// Root returns the normalized absolute data root.
func (g *Guard) Root() string {
	if g == nil {
		return ""
	}

	return g.rootPath
}

// ResolvePath validates and returns a canonical absolute path inside the root.
func (g *Guard) ResolvePath(inputPath string) (string, error) {
	if g == nil {
		return "", refuse(Unreadable, inputPath, "no data root configured")
	}

	trimmed := strings.Trim(strings.TrimSpace(inputPath), `"'`)
	if trimmed == "" {
		return "", refuse(InvalidName, "", "file name must not be empty")
	}

	candidate := trimmed
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.rootPath, candidate)
	}

	absPath, err := filepath.Abs(candidate)
	if err != nil {
		return "", refuse(InvalidName, trimmed, "file name could not be resolved")
	}

	effectivePath, err := canonicalPath(filepath.Clean(absPath), trimmed)
	if err != nil {
		return "", err
	}

	if !isWithin(g.rootPath, effectivePath) {
		return "", refuse(OutsideRoot, trimmed, "file is outside the data root")
	}

	return effectivePath, nil
}

// LookupFile resolves inputPath and requires it to be an existing regular file.
// It returns the path relative to the root.
func (g *Guard) LookupFile(inputPath string) (string, error) {
	resolved, err := g.ResolvePath(inputPath)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fileError(err, inputPath)
	}
	if info.IsDir() {
		return "", refuse(InvalidName, inputPath, "is a directory")
	}

	return g.RelPath(resolved), nil
}

// RelPath returns a root-relative path when representable.
func (g *Guard) RelPath(path string) string {
	if g == nil {
		return filepath.Clean(path)
	}

	rel, err := filepath.Rel(g.rootPath, path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return filepath.Clean(path)
	}
	if rel == "." {
		return "."
	}

	return filepath.Clean(rel)
}

func canonicalPath(path string, name string) (string, error) {
	evaluated, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Clean(evaluated), nil
	}
	if !os.IsNotExist(err) {
		return "", fileError(err, name)
	}

	parent, remainder, splitErr := nearestExistingParent(path, name)
	if splitErr != nil {
		return "", splitErr
	}

	evaluatedParent, evalErr := filepath.EvalSymlinks(parent)
	if evalErr != nil {
		return "", fileError(evalErr, name)
	}

	return filepath.Clean(filepath.Join(evaluatedParent, remainder)), nil
}

func nearestExistingParent(path string, name string) (string, string, error) {
	current := filepath.Clean(path)
	parts := make([]string, 0)

	for {
		if _, err := os.Lstat(current); err == nil {
			remainder := ""
			for i := len(parts) - 1; i >= 0; i-- {
				remainder = filepath.Join(remainder, parts[i])
			}
			return current, remainder, nil
		}

		base := filepath.Base(current)
		if base == "." || base == string(filepath.Separator) {
			break
		}
		parts = append(parts, base)

		next := filepath.Dir(current)
		if next == current {
			break
		}
		current = next
	}

	return "", "", refuse(InvalidName, name, "file name could not be resolved")
}

func expandHome(path string) (string, error) {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}

	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(path, prefix) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, prefix)), nil
	}

	return path, nil
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}
