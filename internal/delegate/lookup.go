// lookup.go resolves delegate program paths once, at startup, so a missing
// script fails the binding instead of the first call.
package delegate

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ProgramCache caches resolved program paths.
type ProgramCache struct {
	mu    sync.RWMutex
	cache map[string]string
}

// NewProgramCache creates an empty cache.
func NewProgramCache() *ProgramCache {
	return &ProgramCache{
		cache: make(map[string]string),
	}
}

// Resolve returns the absolute path of program. Absolute paths must name an
// executable regular file; bare names are searched in $PATH. Relative paths
// with a directory component are rejected.
func (c *ProgramCache) Resolve(program string) (string, error) {
	if program == "" {
		return "", fmt.Errorf("empty program path")
	}

	c.mu.RLock()
	if path, ok := c.cache[program]; ok {
		c.mu.RUnlock()
		return path, nil
	}
	c.mu.RUnlock()

	path, err := resolve(program)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[program] = path
	c.mu.Unlock()

	return path, nil
}

func resolve(program string) (string, error) {
	if filepath.IsAbs(program) {
		info, err := os.Stat(program)
		if err != nil {
			return "", fmt.Errorf("program %s: %w", program, err)
		}
		if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("program %s is not an executable file", program)
		}
		return filepath.Clean(program), nil
	}
	if filepath.Base(program) != program {
		return "", fmt.Errorf("program %s must be absolute or a bare name", program)
	}
	path, err := exec.LookPath(program)
	if err != nil {
		return "", fmt.Errorf("program '%s' not found in PATH: %w", program, err)
	}
	return path, nil
}
