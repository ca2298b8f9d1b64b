package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/posefusion/internal/db"
)

var migrateDB string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage recording database migrations",
	Long: `Apply, roll back or inspect the recording database schema.

The daemon migrates to the latest version on start; these commands are for
inspecting old recordings and recovering from a failed migration.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: withDB(func(out io.Writer, database *db.DB, _ []string) error {
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ All migrations applied")
		return printVersion(out, database)
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: withDB(func(out io.Writer, database *db.DB, _ []string) error {
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Rolled back one migration")
		return printVersion(out, database)
	}),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version",
	Args:  cobra.NoArgs,
	RunE: withDB(func(out io.Writer, database *db.DB, _ []string) error {
		return printVersion(out, database)
	}),
}

var migrateGotoCmd = &cobra.Command{
	Use:   "goto <version>",
	Short: "Migrate up or down to a specific version",
	Args:  cobra.ExactArgs(1),
	RunE: withDB(func(out io.Writer, database *db.DB, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		if err := database.MigrateTo(uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Migrated to version %d\n", v)
		return nil
	}),
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without migrating (dirty-state recovery only)",
	Args:  cobra.ExactArgs(1),
	RunE: withDB(func(out io.Writer, database *db.DB, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		if err := database.MigrateForce(v); err != nil {
			return err
		}
		fmt.Fprintf(out, "⚠️  Forced schema version to %d\n", v)
		return nil
	}),
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateDB, "db", "posefusion.db", "Recording database")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd, migrateGotoCmd, migrateForceCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withDB opens the database without migrating it and runs fn.
func withDB(fn func(io.Writer, *db.DB, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		database, err := db.OpenDB(migrateDB)
		if err != nil {
			return err
		}
		defer database.Close()
		return fn(cmd.OutOrStdout(), database, args)
	}
}

func printVersion(out io.Writer, database *db.DB) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := db.LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (latest %d, dirty: %v)\n", version, latest, dirty)
	if dirty {
		fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, then run: fusionctl migrate force <version>")
	}
	return nil
}
