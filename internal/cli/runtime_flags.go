package cli

import (
	"fmt"

	"github.com/example/wp-harden/internal/config"
	"github.com/spf13/cobra"
)

// runtimeFlagSet tracks shared flags before they are converted into config overrides.
type runtimeFlagSet struct {
	dryRun      bool
	allSites    bool
	basePaths   []string
	noBackup    bool
	verbose     bool
	owner       string
	group       string
	wsGroup     string
	restore     string
	backupDir   string
	logFile     string
	catalog     string
	eventsFile  string
	metricsFile string
	maxDepth    int
}

func bindRuntimeFlags(cmd *cobra.Command, flags *runtimeFlagSet) {
	fs := cmd.PersistentFlags()
	fs.BoolVar(&flags.dryRun, "dry-run", false, "Print what would be changed without touching the filesystem")
	fs.BoolVar(&flags.allSites, "all-sites", false, "Harden every WordPress site found under the base paths")
	fs.StringArrayVar(&flags.basePaths, "base-path", nil, "Additional directory to search for sites (repeatable)")
	fs.BoolVar(&flags.noBackup, "no-backup", false, "Skip the permission backup taken before hardening")
	fs.BoolVarP(&flags.verbose, "verbose", "v", false, "Debug logging; disables the animated progress indicator")
	fs.StringVar(&flags.owner, "owner", "", fmt.Sprintf("File owner (default %q)", config.DefaultAccount))
	fs.StringVar(&flags.group, "group", "", fmt.Sprintf("File group (default %q)", config.DefaultAccount))
	fs.StringVar(&flags.wsGroup, "ws-group", "", fmt.Sprintf("Web server group (default %q)", config.DefaultAccount))
	fs.StringVar(&flags.restore, "restore", "", "Restore permissions from a backup (base name, SITE-latest or SITE)")
	fs.StringVar(&flags.backupDir, "backup-dir", "", fmt.Sprintf("Directory for permission backups (default %s)", config.DefaultBackupDir))
	fs.StringVar(&flags.logFile, "log-file", "", fmt.Sprintf("Log file (default %s)", config.DefaultLogFile))
	fs.StringVar(&flags.catalog, "catalog", "", fmt.Sprintf("Backup catalog database (default %s)", config.DefaultCatalogPath))
	fs.StringVar(&flags.eventsFile, "events-file", "", "Append NDJSON run events to this file")
	fs.StringVar(&flags.metricsFile, "metrics-file", "", "Write Prometheus textfile metrics to this path")
	fs.IntVar(&flags.maxDepth, "max-depth", 0, fmt.Sprintf("Discovery depth below each base path (1-%d, default %d)", config.MaxDepthLimit, config.DefaultMaxDepth))
}

func (f runtimeFlagSet) toOverrides(cmd *cobra.Command, args []string) config.Overrides {
	ov := config.Overrides{}
	if len(args) > 0 {
		ov.Target = args[0]
	}

	if cmd.Flags().Changed("dry-run") {
		ov.DryRun = &f.dryRun
	}

	if cmd.Flags().Changed("all-sites") {
		ov.AllSites = &f.allSites
	}

	if cmd.Flags().Changed("base-path") {
		ov.ExtraBasePaths = f.basePaths
	}

	if cmd.Flags().Changed("no-backup") {
		backup := !f.noBackup
		ov.Backup = &backup
	}

	if cmd.Flags().Changed("verbose") {
		ov.Verbose = &f.verbose
	}

	if cmd.Flags().Changed("owner") {
		ov.Owner = f.owner
	}

	if cmd.Flags().Changed("group") {
		ov.Group = f.group
	}

	if cmd.Flags().Changed("ws-group") {
		ov.WebServerGroup = f.wsGroup
	}

	if cmd.Flags().Changed("restore") {
		ov.Restore = f.restore
	}

	if cmd.Flags().Changed("backup-dir") {
		ov.BackupDir = f.backupDir
	}

	if cmd.Flags().Changed("log-file") {
		ov.LogFile = f.logFile
	}

	if cmd.Flags().Changed("catalog") {
		ov.CatalogPath = f.catalog
	}

	if cmd.Flags().Changed("events-file") {
		ov.EventsFile = f.eventsFile
	}

	if cmd.Flags().Changed("metrics-file") {
		ov.MetricsFile = f.metricsFile
	}

	if cmd.Flags().Changed("max-depth") {
		ov.MaxDepth = f.maxDepth
		ov.MaxDepthSet = true
	}

	return ov
}
