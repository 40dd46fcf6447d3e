package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/wp-harden/internal/backup"
	"github.com/example/wp-harden/internal/events"
)

// restore reapplies a single permission backup. The validator is not
// consulted: the snapshot's own site root bounds what is touched.
func (a *app) restore(ctx context.Context) error {
	base := a.cfg.Restore
	a.log.Info("Restoring permissions", "backup", base, "backup_dir", a.cfg.BackupDir, "dry_run", a.cfg.DryRun)

	if roots := a.sharedSiteRoots(ctx, base); len(roots) > 1 {
		a.log.Warn("Backup name is shared by several site roots, the most recent backup wins",
			"backup", base, "roots", strings.Join(roots, ", "))
	}

	res, err := a.engine.Restore(ctx, base, a.cfg.DryRun, a.out)
	if err != nil {
		if errors.Is(err, backup.ErrNoBackup) {
			a.log.Error("No backup file found", "backup", base, "backup_dir", a.cfg.BackupDir)
		} else {
			a.log.Error("Restore failed", "backup", base, "error", err)
		}
		a.emit(events.Event{Type: events.RestoreFinished, Message: err.Error(), Fields: map[string]interface{}{"backup": base, "ok": false}})
		return err
	}

	if res.Outside > 0 {
		a.log.Warn("Ignored entries outside the backed up site root", "count", res.Outside, "site", res.SiteRoot)
	}

	a.emit(events.Event{Type: events.RestoreFinished, Site: res.SiteRoot, Fields: map[string]interface{}{
		"backup":  res.PermsPath,
		"ok":      res.Failed == 0,
		"applied": res.Applied,
		"missing": res.Missing,
		"failed":  res.Failed,
		"acl":     res.ACLApplied,
	}})

	fmt.Fprintf(a.out, "\nRestore of %s: %d applied, %d missing, %d failed\n", res.SiteRoot, res.Applied, res.Missing, res.Failed)
	if res.Failed > 0 {
		a.log.Warn("Some entries could not be restored", "failed", res.Failed)
	}
	return nil
}

// sharedSiteRoots lists the distinct site roots catalogued under the site
// name addressed by base. Sites in different base paths with the same
// directory name share one -latest alias.
func (a *app) sharedSiteRoots(ctx context.Context, base string) []string {
	if a.catalog == nil || filepath.IsAbs(base) {
		return nil
	}
	name := strings.TrimSuffix(strings.TrimSuffix(base, backup.PermsExt), backup.LatestSuffix)

	list, err := a.catalog.ListBackups(ctx, name, 0)
	if err != nil {
		a.log.Debug("Could not list catalogued backups", "site", name, "error", err)
		return nil
	}

	seen := map[string]struct{}{}
	var roots []string
	for _, b := range list {
		if _, ok := seen[b.SiteRoot]; ok {
			continue
		}
		seen[b.SiteRoot] = struct{}{}
		roots = append(roots, b.SiteRoot)
	}
	sort.Strings(roots)
	return roots
}
