// Package verify re-reads a hardened site and reports any entry that does not
// match the policy.
package verify

import (
	"context"
	"fmt"

	"github.com/example/wp-harden/internal/site"
)

// Status values of a check result.
const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusError = "error"
)

// Result is the outcome of one check on one site.
type Result struct {
	Site     string                 `json:"site"`
	Check    string                 `json:"check"`
	Status   string                 `json:"status"`
	Summary  string                 `json:"summary"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Failed reports whether the check did not pass.
func (r Result) Failed() bool {
	return r.Status != StatusPass
}

// Check inspects one aspect of a hardened site.
type Check interface {
	Name() string
	Check(ctx context.Context, s site.Site) (Result, error)
}

// Registry maps check names to constructors.
type Registry map[string]Factory

// Factory builds a check instance.
type Factory func() Check

// DefaultNames lists the built-in checks in the order they run.
var DefaultNames = []string{
	"config-mode",
	"content-setgid",
	"xmlrpc-locked",
	"debug-log-locked",
	"uploads-listing",
	"samples-removed",
	"world-writable",
}

// DefaultRegistry contains built-in checks.
var DefaultRegistry = Registry{
	"config-mode":      func() Check { return configModeCheck() },
	"content-setgid":   func() Check { return contentSetgidCheck() },
	"xmlrpc-locked":    func() Check { return lockedFileCheck("xmlrpc-locked", "xmlrpc.php") },
	"debug-log-locked": func() Check { return lockedFileCheck("debug-log-locked", site.ContentDir, "debug.log") },
	"uploads-listing":  func() Check { return uploadsListingCheck() },
	"samples-removed":  func() Check { return samplesRemovedCheck() },
	"world-writable":   func() Check { return worldWritableCheck() },
}

// Build instantiates checks from the provided names.
func (r Registry) Build(names []string) ([]Check, error) {
	var checks []Check
	seen := map[string]struct{}{}
	for _, name := range names {
		factory, ok := r[name]
		if !ok {
			return nil, fmt.Errorf("unknown check: %s", name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		checks = append(checks, factory())
	}
	return checks, nil
}

// Defaults returns every built-in check.
func Defaults() []Check {
	checks, _ := DefaultRegistry.Build(DefaultNames)
	return checks
}

// Run executes checks sequentially against s. A check that errors produces a
// result with StatusError instead of stopping the run.
func Run(ctx context.Context, checks []Check, s site.Site) ([]Result, error) {
	var results []Result
	for _, check := range checks {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result, err := check.Check(ctx, s)
		if err != nil {
			results = append(results, Result{
				Site:    s.Root,
				Check:   check.Name(),
				Status:  StatusError,
				Summary: fmt.Sprintf("check error: %v", err),
			})
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// Failures filters results down to those that did not pass.
func Failures(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}
