package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/mpataki/scriptool/internal/config"
	"github.com/mpataki/scriptool/internal/lua"
	"github.com/mpataki/scriptool/internal/models"
	"github.com/mpataki/scriptool/internal/render"
	"github.com/mpataki/scriptool/internal/storage"
	"github.com/mpataki/scriptool/internal/tool"
	"github.com/mpataki/scriptool/internal/tui"
)

func newREPLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Open the interactive console",
		Args:  cobra.NoArgs,
		RunE:  runREPL,
	}
}

func runREPL(cmd *cobra.Command, args []string) error {
	logFile, err := openLogFile(cmd)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	rt, err := newRuntime(cmd, logFile)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := rt.sessions.Ephemeral()

	help := tui.Help{Description: rt.tool.Description()}
	if rt.cfg.Engine == config.EngineLua {
		help.Globals = lua.Globals()
	}

	app := tui.NewApp(sess, rt.formatter, help)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, runErr := p.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		rt.logger.Warn("console session still running scripts", "session", sess.ID(), "error", err)
	}

	if rt.store != nil {
		for _, rec := range sess.Records() {
			if !rec.Status.Terminal() {
				continue
			}
			if _, err := rt.store.SaveScript(sess.Engine(), rec); err != nil {
				rt.logger.Warn("failed to archive script", "session", sess.ID(), "script_id", rec.ID, "error", err)
			}
		}
	}

	return runErr
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run one script and print the result",
		Long:  "Run a script from a file, from -e, or from stdin when the file is '-' or omitted. Exits non-zero when the script fails.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, _ := cmd.Flags().GetString("eval")

			script, err := readScript(cmd.InOrStdin(), expr, args)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer rt.Close()

			input, err := json.Marshal(tool.ScriptInput{LuaScript: script})
			if err != nil {
				return err
			}

			message, err := rt.registry.Run(cmd.Context(), rt.tool.Name(), tool.Call{Input: input})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), message)
			if strings.HasPrefix(message, render.ErrorLabel) {
				return errScriptFailed
			}
			return nil
		},
	}

	cmd.Flags().StringP("eval", "e", "", "Script source to run instead of a file")
	return cmd
}

func readScript(stdin io.Reader, expr string, args []string) (string, error) {
	if expr != "" {
		if len(args) > 0 {
			return "", fmt.Errorf("use either -e or a file, not both")
		}
		return expr, nil
	}

	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the scripting tool over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, os.Stderr)
			if err != nil {
				return err
			}
			defer rt.Close()

			server := tool.NewMCPServer(rt.registry, tool.MCPConfig{
				Version: version,
				Logger:  rt.logger,
				OnSessionEnd: func(conversationID string) {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := rt.sessions.Close(ctx, conversationID); err != nil {
						rt.logger.Warn("closing conversation session", "conversation", conversationID, "error", err)
					}
				},
			})
			rt.logger.Info("serving", "transport", "stdio", "tool", rt.tool.Name())

			if err := server.Run(cmd.Context(), &mcp.StdioTransport{}); err != nil && cmd.Context().Err() == nil {
				return fmt.Errorf("mcp server stopped: %w", err)
			}
			return nil
		},
	}
}

func newToolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool definitions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, io.Discard)
			if err != nil {
				return err
			}
			defer rt.Close()

			type definition struct {
				Name        string         `json:"name"`
				Description string         `json:"description"`
				InputSchema map[string]any `json:"input_schema"`
			}
			var defs []definition
			for _, t := range rt.registry.Tools() {
				defs = append(defs, definition{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(defs)
		},
	}
}

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			sessionID, _ := cmd.Flags().GetString("session")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var scripts []*models.ArchivedScript
			if sessionID != "" {
				scripts, err = store.ListSession(sessionID)
			} else {
				scripts, err = store.ListScripts(limit)
			}
			if err != nil {
				return err
			}

			if len(scripts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No scripts found.")
				return nil
			}

			for _, s := range scripts {
				fmt.Fprintf(cmd.OutOrStdout(), "#%d %s [%s] %s  %s\n",
					s.ArchiveID, s.Engine, s.Record.Status,
					storage.FormatTimeAgo(s.Record.CreatedAt),
					tui.Truncate(tui.FirstLine(s.Record.Script), 50))
			}
			return nil
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of scripts to show")
	cmd.Flags().String("session", "", "Only show scripts from this session, oldest first")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an archived script and its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid script ID: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			s, err := store.GetScript(id)
			if err != nil {
				return fmt.Errorf("failed to get script: %w", err)
			}

			out := cmd.OutOrStdout()
			rec := s.Record
			fmt.Fprintf(out, "Script #%d (%s)\n", s.ArchiveID, s.Engine)
			fmt.Fprintf(out, "Session: %s  Script ID: %d\n", rec.SessionID, rec.ID)
			fmt.Fprintf(out, "Status: %s\n", rec.Status)
			if rec.ErrorKind != "" {
				fmt.Fprintf(out, "Error Kind: %s\n", rec.ErrorKind)
			}
			fmt.Fprintf(out, "Created: %s  Took: %s\n", rec.CreatedAt.Local().Format(time.DateTime), rec.Duration())
			fmt.Fprintf(out, "\n%s\n\n", strings.TrimRight(rec.Script, "\n"))

			message, err := render.New(cfg.MaxOutputBytes).Format(rec)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, message)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an archived script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid script ID: %w", err)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteScript(id); err != nil {
				return fmt.Errorf("failed to delete script: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Deleted script #%d\n", id)
			return nil
		},
	}
}

func newPruneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived scripts older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			store, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneBefore(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d scripts\n", n)
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 30*24*time.Hour, "Age cutoff")
	return cmd
}
