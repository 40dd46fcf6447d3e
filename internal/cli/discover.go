package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/wp-harden/internal/config"
	"github.com/example/wp-harden/internal/site"
)

func newDiscoverCmd(loader *config.Loader, flags *runtimeFlagSet) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List WordPress sites under the base paths and whether they can be hardened",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loader.Load(flags.toOverrides(cmd, nil))
			if err != nil {
				return err
			}
			if err := cfg.ValidateSettings(); err != nil {
				return err
			}

			sites, err := site.Discover(cfg.BasePaths, cfg.MaxDepth)
			if err != nil {
				return err
			}

			validator := site.NewValidator(cfg.BasePaths)
			out := cmd.OutOrStdout()
			valid := 0
			for _, s := range sites {
				err := validator.Validate(s.Root)
				detail := "ready"
				if err != nil {
					detail = site.Reason(err)
				} else {
					valid++
					if v, verr := s.Version(); verr == nil {
						detail = "ready, WordPress " + v
					}
				}
				fmt.Fprintf(out, "%s %-50s %s\n", mark(err == nil), s.Root, detail)
			}

			fmt.Fprintf(out, "\n%s found, %d ready to harden\n", plural(len(sites), "site"), valid)
			return nil
		},
	}
}
