package site

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSites is returned when discovery finds no wp-config.php under any base path.
var ErrNoSites = errors.New("no WordPress sites found")

// WordPress core directories never contain another site's wp-config.php.
var skipDirs = map[string]struct{}{
	ContentDir:     {},
	"wp-includes":  {},
	"wp-admin":     {},
	".git":         {},
	"node_modules": {},
}

// Discover walks each existing base path looking for wp-config.php files at
// most maxDepth levels below it. The parent of every match is a site. Sites
// are deduplicated by their resolved path and returned in first-seen order.
func Discover(basePaths []string, maxDepth int) ([]Site, error) {
	var sites []Site
	seen := map[string]struct{}{}

	for _, base := range basePaths {
		info, err := os.Stat(base)
		if err != nil || !info.IsDir() {
			continue
		}

		base = filepath.Clean(base)
		walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() && path != base {
					return filepath.SkipDir
				}
				return nil
			}

			depth := pathDepth(base, path)
			if d.IsDir() {
				if path == base {
					return nil
				}
				if _, skip := skipDirs[d.Name()]; skip || depth >= maxDepth {
					return filepath.SkipDir
				}
				return nil
			}

			if d.Name() != ConfigFile || depth > maxDepth {
				return nil
			}

			root := resolve(filepath.Dir(path))
			if _, dup := seen[root]; dup {
				return nil
			}
			seen[root] = struct{}{}
			sites = append(sites, New(root))
			return nil
		})
		if walkErr != nil {
			return sites, walkErr
		}
	}

	if len(sites) == 0 {
		return nil, ErrNoSites
	}
	return sites, nil
}

func pathDepth(base, path string) int {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func resolve(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return filepath.Clean(resolved)
	}
	return filepath.Clean(path)
}
