package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Sandbox confines template file lookups to a single root directory.
type Sandbox struct {
	root string
}

// NewSandbox initializes a sandbox rooted at root, which must be an existing
// directory.
func NewSandbox(root string) (*Sandbox, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("templates: sandbox root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Sandbox{root: abs}, nil
}

func (s *Sandbox) Root() string { return s.root }

// Resolve maps path (absolute or relative to the root) to a canonical file
// location inside the sandbox.
func (s *Sandbox) Resolve(path string) (string, error) {
	if s == nil {
		return "", errors.New("templates: sandbox is nil")
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." || cleaned == "" {
		return s.root, nil
	}
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(s.root, cleaned)
	}
	cleaned = filepath.Clean(cleaned)
	evaluated, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !s.contains(cleaned) {
			return "", fmt.Errorf("templates: path %q escapes sandbox", path)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !s.contains(evaluated) {
		return "", fmt.Errorf("templates: path %q escapes sandbox", path)
	}
	return evaluated, nil
}

// Find returns the first existing "<name><ext>" file in the root, trying exts
// in order.
func (s *Sandbox) Find(name string, exts ...string) (string, bool) {
	if s == nil || strings.ContainsAny(name, `/\`) {
		return "", false
	}
	for _, ext := range exts {
		resolved, err := s.Resolve(name + ext)
		if err != nil {
			continue
		}
		if info, err := os.Stat(resolved); err == nil && !info.IsDir() {
			return resolved, true
		}
	}
	return "", false
}

func (s *Sandbox) contains(candidate string) bool {
	sandbox := s.root
	if runtime.GOOS == "windows" {
		sandbox = strings.ToLower(sandbox)
		candidate = strings.ToLower(candidate)
	}
	if sandbox == candidate {
		return true
	}
	if !strings.HasSuffix(sandbox, string(os.PathSeparator)) {
		sandbox += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, sandbox)
}
