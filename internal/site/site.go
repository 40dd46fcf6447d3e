// Package site discovers WordPress installations and decides whether a
// directory is safe to harden.
package site

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	ConfigFile = "wp-config.php"
	ContentDir = "wp-content"
)

// ErrSiteNotFound is returned when a bare domain does not exist under any base path.
var ErrSiteNotFound = errors.New("site not found")

// Site is a directory believed to be a WordPress root.
type Site struct {
	Name string
	Root string
}

// New builds a Site for root, naming it after the directory.
func New(root string) Site {
	clean := filepath.Clean(root)
	return Site{Name: filepath.Base(clean), Root: clean}
}

// Path joins elements onto the site root.
func (s Site) Path(elem ...string) string {
	return filepath.Join(append([]string{s.Root}, elem...)...)
}

// ResolveTarget turns a CLI target (bare domain or path) into a site root.
// Bare domains are looked up under each base path in order. A symlinked
// root is followed so that tree walks see the real directory; the site keeps
// the name it was addressed by.
func ResolveTarget(target string, basePaths []string) (Site, error) {
	s, err := lookupTarget(target, basePaths)
	if err != nil {
		return Site{}, err
	}
	s.Root = resolve(s.Root)
	return s, nil
}

func lookupTarget(target string, basePaths []string) (Site, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Site{}, fmt.Errorf("%w: empty target", ErrSiteNotFound)
	}

	if filepath.IsAbs(target) {
		return New(target), nil
	}

	if strings.ContainsRune(target, filepath.Separator) || target == "." || target == ".." {
		abs, err := filepath.Abs(target)
		if err != nil {
			return Site{}, err
		}
		return New(abs), nil
	}

	for _, base := range basePaths {
		candidate := filepath.Join(base, target)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return New(candidate), nil
		}
	}

	return Site{}, fmt.Errorf("%w: %s under %s", ErrSiteNotFound, target, strings.Join(basePaths, ", "))
}
