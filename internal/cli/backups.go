package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/wp-harden/internal/backup"
	"github.com/example/wp-harden/internal/catalog"
	"github.com/example/wp-harden/internal/config"
)

func newBackupsCmd(loader *config.Loader, flags *runtimeFlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect and prune catalogued permission backups",
	}

	cmd.AddCommand(
		newBackupsListCmd(loader, flags),
		newBackupsPruneCmd(loader, flags),
	)

	return cmd
}

func newBackupsListCmd(loader *config.Loader, flags *runtimeFlagSet) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list [SITE]",
		Short: "List backups, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loader.Load(flags.toOverrides(cmd, nil))
			if err != nil {
				return err
			}

			cat, err := openCatalog(cfg, nil)
			if err != nil {
				return err
			}
			defer cat.Close()

			siteName := ""
			if len(args) > 0 {
				siteName = args[0]
			}

			list, err := cat.ListBackups(cmd.Context(), siteName, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No backups recorded.")
				return nil
			}

			for _, b := range list {
				status := mark(fileExists(b.PermsPath))
				acl := "-"
				if b.ACLPath != "" {
					acl = "acl"
				}
				fmt.Fprintf(out, "%s %-40s %-20s %8d entries  %-3s  %s\n",
					status, b.BaseName, b.CreatedAt.Format("2006-01-02 15:04:05"), b.Entries, acl, humanize.Time(b.CreatedAt))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many backups (0 for all)")

	return cmd
}

func newBackupsPruneCmd(loader *config.Loader, flags *runtimeFlagSet) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune SITE",
		Short: "Delete all but the newest backups of one site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 1 {
				return fmt.Errorf("--keep must be at least 1 (got %d)", keep)
			}

			cfg, err := loader.Load(flags.toOverrides(cmd, nil))
			if err != nil {
				return err
			}
			if err := requireRoot(cfg); err != nil {
				return err
			}

			logger, closer := newLogger(cmd.OutOrStdout(), cfg)
			defer closer.Close()

			cat, err := openCatalog(cfg, logger)
			if err != nil {
				return err
			}
			defer cat.Close()

			list, err := cat.ListBackups(cmd.Context(), args[0], 0)
			if err != nil {
				return err
			}
			if len(list) <= keep {
				fmt.Fprintf(cmd.OutOrStdout(), "Nothing to prune: %s recorded for %s\n", plural(len(list), "backup"), args[0])
				return nil
			}

			removed := 0
			for _, b := range list[keep:] {
				if cfg.DryRun {
					fmt.Fprintf(cmd.OutOrStdout(), "[dry-run] remove %s\n", b.BaseName)
					continue
				}
				if err := removeBackupFiles(b); err != nil {
					logger.Error("Could not remove backup files", "backup", b.BaseName, "error", err)
					continue
				}
				if err := cat.DeleteBackup(cmd.Context(), b.ID); err != nil {
					logger.Error("Could not remove backup from catalog", "backup", b.BaseName, "error", err)
					continue
				}
				logger.Info("Backup removed", "backup", b.BaseName)
				removed++
			}

			if !cfg.DryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s of %s, kept %d\n", plural(removed, "backup"), args[0], keep)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 5, "Number of newest backups to keep")

	return cmd
}

func removeBackupFiles(b catalog.Backup) error {
	for _, path := range []string{b.PermsPath, b.ACLPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	// Drop a -latest alias left pointing at a removed snapshot.
	removed := map[string]bool{filepath.Base(b.PermsPath): true}
	if b.ACLPath != "" {
		removed[filepath.Base(b.ACLPath)] = true
	}
	dir := filepath.Dir(b.PermsPath)
	for _, ext := range []string{backup.PermsExt, backup.ACLExt} {
		alias := filepath.Join(dir, b.Site+backup.LatestSuffix+ext)
		if target, err := os.Readlink(alias); err == nil && removed[filepath.Base(target)] {
			os.Remove(alias)
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
