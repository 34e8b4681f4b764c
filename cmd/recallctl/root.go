package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "recallctl",
		Short:         "Recall Comb catalog and ingestion CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.dbDriver, "db-driver", "", "Database driver (postgres or sqlite), overrides DB_DRIVER")
	flags.StringVar(&ctx.dbPath, "db-path", "", "SQLite database file, overrides DB_PATH")
	flags.StringVar(&ctx.agenciesDir, "agencies-dir", "", "Agency configuration directory, overrides AGENCIES_DIR")
	flags.BoolVar(&ctx.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newIngestCommand(ctx))
	rootCmd.AddCommand(newDedupCommand(ctx))
	rootCmd.AddCommand(newSearchCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newAgenciesCommand(ctx))

	return rootCmd
}
