package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/emiliopalmerini/mbandit/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "migrate [version]",
		Short: "Run database migrations",
		Long: `Run database migrations.

Without arguments, runs all pending migrations (up).
With a version number, migrates to that specific version (up or down as needed).

Examples:
  mbandit migrate            # Run all pending migrations
  mbandit migrate 1          # Migrate to version 1
  mbandit migrate 0          # Rollback all migrations
  mbandit migrate 1 --force  # Mark version 1 clean without running it`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer closeApp(a)
			if a.DB == nil {
				return fmt.Errorf("no database configured; set MBANDIT_DATABASE_URL")
			}

			runner, err := migrate.NewRunner(a.DB, a.Logger)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				if force {
					return fmt.Errorf("--force needs a version")
				}
				n, err := runner.Up(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Applied %d migration(s)\n", n)
			} else {
				target, err := strconv.Atoi(args[0])
				if err != nil || target < 0 {
					return fmt.Errorf("invalid version %q", args[0])
				}
				if target > runner.Latest() {
					return fmt.Errorf("version %d does not exist (latest is %d)", target, runner.Latest())
				}
				if force {
					err = runner.Force(ctx, target)
				} else {
					err = runner.To(ctx, target)
				}
				if err != nil {
					return err
				}
			}

			version, _, err := runner.Version(ctx)
			if err != nil {
				return fmt.Errorf("failed to get current version: %w", err)
			}
			fmt.Fprintf(out, "Current version: %d\n", version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Set the version without running migrations")
	return cmd
}
