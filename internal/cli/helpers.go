package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/shirou/gopsutil/disk"

	"github.com/example/wp-harden/internal/catalog"
	"github.com/example/wp-harden/internal/config"
	"github.com/example/wp-harden/internal/logging"
	"github.com/example/wp-harden/internal/progress"
)

var (
	geteuid   = os.Geteuid
	diskUsage = disk.Usage
)

var errNotRoot = errors.New("must be run as root to change ownership and permissions (use --dry-run to preview)")

// requireRoot enforces the privilege check done once at startup.
func requireRoot(cfg config.RuntimeConfig) error {
	if cfg.DryRun || geteuid() == 0 {
		return nil
	}
	return errNotRoot
}

// newLogger builds the console plus log file logger. A log file that cannot
// be opened is reported on the console and otherwise ignored.
func newLogger(out io.Writer, cfg config.RuntimeConfig) (*slog.Logger, io.Closer) {
	logger, closer, err := logging.New(logging.Options{
		Console:      out,
		ConsoleColor: !color.NoColor && progress.IsInteractive(out),
		FilePath:     cfg.LogFile,
		Verbose:      cfg.Verbose,
	})
	if err != nil {
		logger.Warn("Log file unavailable, logging to console only", "error", err)
	}
	return logger, closer
}

func openCatalog(cfg config.RuntimeConfig, logger *slog.Logger) (*catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return nil, errors.New("catalog path cannot be empty")
	}
	return catalog.Open(cfg.CatalogPath, logger)
}

// nearestExistingDir walks up from path to the first directory that exists.
func nearestExistingDir(path string) string {
	dir := filepath.Clean(path)
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
