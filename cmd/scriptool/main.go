package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

// errScriptFailed makes `run` exit non-zero after the failure message has
// already been printed.
var errScriptFailed = errors.New("script failed")

func main() {
	rootCmd := &cobra.Command{
		Use:           "scriptool",
		Short:         "Sandboxed scripting sessions for agents",
		Long:          "scriptool runs Lua or JavaScript against a project directory, as a console, a one-shot command, or an MCP tool server.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runREPL,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default: $SCRIPTOOL_DATA_DIR/config.yaml)")
	rootCmd.PersistentFlags().String("engine", "", "Script engine: lua or js")
	rootCmd.PersistentFlags().String("project", "", "Project directory scripts may read")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Per-script time limit")

	rootCmd.AddCommand(newREPLCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newToolsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newPruneCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		if !errors.Is(err, errScriptFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
