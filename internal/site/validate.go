package site

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrDangerousPath  = errors.New("refusing to operate on a protected system directory")
	ErrMissingConfig  = errors.New("not a WordPress root: wp-config.php not found")
	ErrMissingContent = errors.New("not a WordPress root: wp-content directory not found")
)

// DenyList holds directories that are never hardened, whatever they contain.
var DenyList = []string{
	"/",
	"/bin",
	"/boot",
	"/dev",
	"/etc",
	"/home",
	"/lib",
	"/lib64",
	"/opt",
	"/proc",
	"/root",
	"/run",
	"/sbin",
	"/srv",
	"/sys",
	"/tmp",
	"/usr",
	"/var",
	"/var/www",
	"/var/www/html",
}

// Validator rejects targets that must never be mutated.
type Validator struct {
	deny map[string]struct{}
}

// NewValidator builds a validator whose deny-list also contains every base path.
func NewValidator(basePaths []string) *Validator {
	v := &Validator{deny: map[string]struct{}{}}
	for _, p := range append(append([]string(nil), DenyList...), basePaths...) {
		v.deny[filepath.Clean(p)] = struct{}{}
		v.deny[resolve(p)] = struct{}{}
	}
	return v
}

// Validate returns nil when path looks like a WordPress root that is safe to
// harden. Errors wrap ErrDangerousPath, ErrMissingConfig or ErrMissingContent.
func (v *Validator) Validate(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	for _, candidate := range []string{filepath.Clean(abs), resolve(abs)} {
		if _, denied := v.deny[candidate]; denied {
			return fmt.Errorf("%w: %s", ErrDangerousPath, candidate)
		}
	}

	if info, err := os.Stat(filepath.Join(abs, ConfigFile)); err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrMissingConfig, abs)
	}

	if info, err := os.Stat(filepath.Join(abs, ContentDir)); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrMissingContent, abs)
	}

	return nil
}

// Reason returns a short label for a validation error, used in events and summaries.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDangerousPath):
		return "protected-path"
	case errors.Is(err, ErrMissingConfig):
		return "missing-wp-config"
	case errors.Is(err, ErrMissingContent):
		return "missing-wp-content"
	case errors.Is(err, ErrSiteNotFound):
		return "not-found"
	default:
		return "invalid"
	}
}
