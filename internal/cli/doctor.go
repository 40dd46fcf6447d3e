package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/example/wp-harden/internal/acl"
	"github.com/example/wp-harden/internal/backup"
	"github.com/example/wp-harden/internal/config"
)

type doctorCheck struct {
	Name   string
	Status string // "✓", "✗" or "⊘"
	Detail string
	Error  error
}

func newDoctorCmd(loader *config.Loader, flags *runtimeFlagSet) *cobra.Command {
	var timeout int

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check privileges, ACL tools, paths and the backup catalog",
		Long: `The doctor subcommand validates the wp-harden environment:
- effective user (root is required to harden)
- getfacl/setfacl availability for ACL backups
- base paths and free space in the backup directory
- backup catalog health and the last recorded run
- configuration validity`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loader.Load(flags.toOverrides(cmd, nil))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeout)*time.Second)
			defer cancel()

			checks := runDoctorChecks(ctx, cfg)
			printDoctorReport(cmd, checks)

			for _, check := range checks {
				if check.Error != nil {
					return fmt.Errorf("doctor checks failed")
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "\n✓ All checks passed. System is ready.")
			return nil
		},
	}

	cmd.Flags().IntVar(&timeout, "timeout", 10, "Timeout in seconds for catalog checks")

	return cmd
}

func runDoctorChecks(ctx context.Context, cfg config.RuntimeConfig) []doctorCheck {
	checks := []doctorCheck{
		checkGoVersion(),
		checkPrivilege(cfg.DryRun),
		checkACLTools(),
	}
	checks = append(checks, checkBasePaths(cfg.BasePaths)...)
	checks = append(checks,
		checkBackupDir(cfg.BackupDir),
		checkCatalog(ctx, cfg),
		checkConfiguration(cfg),
	)
	return checks
}

func checkGoVersion() doctorCheck {
	return doctorCheck{
		Name:   "Go Runtime",
		Status: "✓",
		Detail: fmt.Sprintf("Version %s", runtime.Version()),
	}
}

func checkPrivilege(dryRun bool) doctorCheck {
	euid := geteuid()
	if euid == 0 {
		return doctorCheck{Name: "Privileges", Status: "✓", Detail: "running as root"}
	}
	if dryRun {
		return doctorCheck{Name: "Privileges", Status: "⊘", Detail: fmt.Sprintf("euid %d, enough for --dry-run only", euid)}
	}
	return doctorCheck{Name: "Privileges", Status: "✗", Detail: fmt.Sprintf("euid %d", euid), Error: errNotRoot}
}

func checkACLTools() doctorCheck {
	if err := acl.NewTool().EnsureBinary(); err != nil {
		return doctorCheck{
			Name:   "ACL Tools",
			Status: "⊘",
			Detail: "getfacl/setfacl not installed, ACL backups are skipped",
		}
	}
	return doctorCheck{Name: "ACL Tools", Status: "✓", Detail: "getfacl and setfacl available"}
}

func checkBasePaths(paths []string) []doctorCheck {
	var checks []doctorCheck
	for _, p := range paths {
		check := doctorCheck{Name: "Base Path " + p}
		info, err := os.Stat(p)
		switch {
		case err == nil && info.IsDir():
			check.Status = "✓"
			check.Detail = "present"
		case err == nil:
			check.Status = "✗"
			check.Detail = "not a directory"
			check.Error = fmt.Errorf("base path %s is not a directory", p)
		default:
			check.Status = "⊘"
			check.Detail = "missing, skipped during discovery"
		}
		checks = append(checks, check)
	}
	return checks
}

func checkBackupDir(dir string) doctorCheck {
	check := doctorCheck{Name: "Backup Directory"}
	probe := nearestExistingDir(dir)

	usage, err := diskUsage(probe)
	if err != nil {
		check.Status = "✗"
		check.Detail = dir
		check.Error = err
		return check
	}

	check.Detail = fmt.Sprintf("%s (%s free of %s)", dir, humanize.Bytes(usage.Free), humanize.Bytes(usage.Total))
	if usage.Free < backup.DefaultMinFreeBytes {
		check.Status = "✗"
		check.Error = fmt.Errorf("less than %s free on %s", humanize.Bytes(backup.DefaultMinFreeBytes), usage.Path)
		return check
	}
	check.Status = "✓"
	return check
}

func checkCatalog(ctx context.Context, cfg config.RuntimeConfig) doctorCheck {
	check := doctorCheck{Name: "Backup Catalog"}
	if _, err := os.Stat(cfg.CatalogPath); errors.Is(err, os.ErrNotExist) {
		check.Status = "⊘"
		check.Detail = cfg.CatalogPath + " not created yet"
		return check
	}

	cat, err := openCatalog(cfg, nil)
	if err != nil {
		check.Status = "✗"
		check.Detail = cfg.CatalogPath
		check.Error = err
		return check
	}
	defer cat.Close()

	last, err := cat.LastRun(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		check.Status = "✓"
		check.Detail = "no runs recorded"
	case err != nil:
		check.Status = "✗"
		check.Detail = cfg.CatalogPath
		check.Error = err
	default:
		check.Status = "✓"
		check.Detail = fmt.Sprintf("last run %s: %d succeeded, %d failed", humanize.Time(last.FinishedAt), last.Succeeded, last.Failed)
	}
	return check
}

func checkConfiguration(cfg config.RuntimeConfig) doctorCheck {
	if err := cfg.ValidateSettings(); err != nil {
		return doctorCheck{
			Name:   "Configuration",
			Status: "✗",
			Detail: "Invalid configuration",
			Error:  err,
		}
	}

	return doctorCheck{
		Name:   "Configuration",
		Status: "✓",
		Detail: fmt.Sprintf("owner=%s group=%s ws-group=%s, %s", cfg.Owner, cfg.Group, cfg.WebServerGroup, plural(len(cfg.BasePaths), "base path")),
	}
}

func printDoctorReport(cmd *cobra.Command, checks []doctorCheck) {
	fmt.Fprintln(cmd.OutOrStdout(), "Running environment diagnostics...")

	for _, check := range checks {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %-30s %s\n", check.Status, check.Name+":", check.Detail)
		if check.Error != nil {
			fmt.Fprintf(cmd.OutOrStderr(), "   Error: %v\n", check.Error)
		}
	}
}
