// Command ldbctl is ldb's operational CLI: open an existing
// environment to sanity-check it, and force the compact/checkpoint
// zones or print size stats against a running environment's on-disk
// state without embedding the engine in a long-running process.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/ldb/pkg/engine"
	"github.com/cuemby/ldb/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ldbctl",
	Short: "ldbctl inspects and drives maintenance on an ldb environment",
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(level)})
}

// openEnv opens envPath read-write with the default EnvConfig, so
// OpenEnv's background scheduler runs alongside the subcommand; every
// ldbctl subcommand drives its one operation synchronously and closes
// the env before returning.
func openEnv(envPath string) (*engine.Env, error) {
	return engine.OpenEnv(engine.EnvConfig{
		Path:   envPath,
		Logger: zerolog.Nop(),
	})
}

var openCmd = &cobra.Command{
	Use:   "open <env-path>",
	Short: "Open an environment and report what it recovered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(args[0])
		if err != nil {
			return fmt.Errorf("failed to open environment: %v", err)
		}
		defer env.Close()

		names := env.DatabaseNames()
		fmt.Printf("✓ opened %s\n", args[0])
		fmt.Printf("  databases: %d\n", len(names))
		for _, name := range names {
			db, _ := env.Database(name)
			st := db.StatsSnapshot()
			fmt.Printf("  - %s: %d node(s), %d byte(s) on disk\n", st.Name, st.NodeCount, st.TotalBytes)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <env-path> <db>",
	Short: "Force the compact zone to run against a database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(args[0])
		if err != nil {
			return fmt.Errorf("failed to open environment: %v", err)
		}
		defer env.Close()

		db, ok := env.Database(args[1])
		if !ok {
			return fmt.Errorf("database %q not found in %s", args[1], args[0])
		}
		ran, err := db.Compact()
		if err != nil {
			return fmt.Errorf("compact failed: %v", err)
		}
		fmt.Printf("✓ ran %d compaction task(s) against %s\n", ran, args[1])
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <env-path> <db>",
	Short: "Force a checkpoint flush against a database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(args[0])
		if err != nil {
			return fmt.Errorf("failed to open environment: %v", err)
		}
		defer env.Close()

		db, ok := env.Database(args[1])
		if !ok {
			return fmt.Errorf("database %q not found in %s", args[1], args[0])
		}
		ran, err := db.Checkpoint()
		if err != nil {
			return fmt.Errorf("checkpoint failed: %v", err)
		}
		fmt.Printf("✓ ran %d checkpoint task(s) against %s\n", ran, args[1])
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush <env-path> <db>",
	Short: "Force the branch zone to run against a database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(args[0])
		if err != nil {
			return fmt.Errorf("failed to open environment: %v", err)
		}
		defer env.Close()

		db, ok := env.Database(args[1])
		if !ok {
			return fmt.Errorf("database %q not found in %s", args[1], args[0])
		}
		ran, err := db.Flush()
		if err != nil {
			return fmt.Errorf("flush failed: %v", err)
		}
		fmt.Printf("✓ ran %d flush task(s) against %s\n", ran, args[1])
		return nil
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire <env-path> <db>",
	Short: "Force the expire zone to run against a database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(args[0])
		if err != nil {
			return fmt.Errorf("failed to open environment: %v", err)
		}
		defer env.Close()

		db, ok := env.Database(args[1])
		if !ok {
			return fmt.Errorf("database %q not found in %s", args[1], args[0])
		}
		ran, err := db.Expire()
		if err != nil {
			return fmt.Errorf("expire failed: %v", err)
		}
		fmt.Printf("✓ ran %d expire task(s) against %s\n", ran, args[1])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <env-path>",
	Short: "Print per-database size and shape stats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(args[0])
		if err != nil {
			return fmt.Errorf("failed to open environment: %v", err)
		}
		defer env.Close()

		for _, name := range env.DatabaseNames() {
			db, _ := env.Database(name)
			st := db.StatsSnapshot()
			fmt.Printf("%s:\n", st.Name)
			fmt.Printf("  nodes:       %d\n", st.NodeCount)
			fmt.Printf("  total bytes: %d\n", st.TotalBytes)
			fmt.Printf("  i0 bytes:    %d\n", st.I0Bytes)
		}
		return nil
	},
}
