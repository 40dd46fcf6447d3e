package cli

import (
	"context"

	"github.com/example/wp-harden/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

// Execute builds the root command tree and runs the CLI.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	loader := &config.Loader{ConfigPath: config.DefaultConfigPath}
	rootOpts := &rootOptions{}
	flags := &runtimeFlagSet{}

	rootCmd := &cobra.Command{
		Use:   "wp-harden [flags] [DOMAIN|PATH]",
		Short: "Apply a fixed ownership and permission policy to WordPress sites",
		Long: `wp-harden secures WordPress installations in place.

A target is either a bare domain, looked up under each base path, or a path
to the site root. --all-sites hardens every site found under the base paths
and --restore reapplies a previous permission backup.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarden(cmd, loader, flags.toOverrides(cmd, args))
		},
	}
	rootCmd.SetVersionTemplate("wp-harden version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&rootOpts.ConfigPath, "config", config.DefaultConfigPath, "Path to wp-harden.yml (optional)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if rootOpts.ConfigPath != "" {
			loader.ConfigPath = rootOpts.ConfigPath
		}
	}
	bindRuntimeFlags(rootCmd, flags)

	rootCmd.AddCommand(
		newDiscoverCmd(loader, flags),
		newDoctorCmd(loader, flags),
		newBackupsCmd(loader, flags),
	)

	return rootCmd
}

type rootOptions struct {
	ConfigPath string
}
