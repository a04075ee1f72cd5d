// Package main is the entry point for the symora CLI and daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/junyeong-ai/symora-sub000/internal/config"
	"github.com/junyeong-ai/symora-sub000/internal/daemon"
	"github.com/junyeong-ai/symora-sub000/internal/lsp"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "symora",
		Usage:   "language intelligence for your codebase, multiplexed over one daemon",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML config file",
				Sources: cli.EnvVars("SYMORA_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Value:   ".",
				Usage:   "project root the query targets",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level",
			},
		},
		Commands: append([]*cli.Command{
			daemonCommand(),
			serversCommand(),
			searchCommand(),
			renameCommand(),
			applyActionCommand(),
		}, queryCommands()...),
	}
}

// runtime resolves configuration and the logger for one invocation.
func runtime(cmd *cli.Command) (*config.Runtime, *logrus.Entry, error) {
	rt, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}

	level := rt.LogLevel
	if override := cmd.String("log-level"); override != "" {
		level = override
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(parsed)
	}
	return rt, logrus.NewEntry(logger), nil
}

// callDaemon sends one query to the daemon, starting it if needed, and
// prints the JSON result.
func callDaemon(ctx context.Context, cmd *cli.Command, method string, params any) error {
	rt, log, err := runtime(cmd)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	client := daemon.NewClient(rt, exe, log)
	if err := client.EnsureRunning(ctx); err != nil {
		return err
	}

	project, err := filepath.Abs(cmd.String("project"))
	if err != nil {
		return err
	}

	var result json.RawMessage
	if err := client.CallProject(ctx, project, method, params, &result); err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "control the background daemon",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "run the daemon in the foreground",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, log, err := runtime(cmd)
					if err != nil {
						return err
					}
					if err := os.MkdirAll(rt.Daemon.StateDir, 0o700); err != nil {
						return err
					}
					// Daemons log to a file; stderr is gone once detached.
					logFile, err := os.OpenFile(filepath.Join(rt.Daemon.StateDir, "daemon.log"),
						os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
					if err == nil {
						defer logFile.Close()
						log.Logger.SetOutput(logFile)
					}

					srv := daemon.NewServer(rt, log)
					signals := make(chan os.Signal, 1)
					signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
					go func() {
						<-signals
						srv.Stop()
					}()
					return srv.Run(ctx)
				},
			},
			{
				Name:  "stop",
				Usage: "stop a running daemon",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, log, err := runtime(cmd)
					if err != nil {
						return err
					}
					client := daemon.NewClient(rt, "", log)
					if !client.Ping(ctx) {
						fmt.Println("daemon is not running")
						return nil
					}
					if err := client.Shutdown(ctx); err != nil {
						return err
					}
					fmt.Println("daemon stopped")
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "show daemon status",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, log, err := runtime(cmd)
					if err != nil {
						return err
					}
					client := daemon.NewClient(rt, "", log)
					if !client.Ping(ctx) {
						return printJSON(daemon.StatusResult{Running: false, SocketPath: rt.SocketPath()})
					}
					status, err := client.Status(ctx)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
		},
	}
}

func serversCommand() *cli.Command {
	return &cli.Command{
		Name:  "servers",
		Usage: "list language servers and whether they are installed",
		Action: func(_ context.Context, _ *cli.Command) error {
			return printJSON(lsp.CheckAllServers())
		},
	}
}

// positionSpec describes one position-based query subcommand.
type positionSpec struct {
	name   string
	usage  string
	method string
}

func queryCommands() []*cli.Command {
	positional := []positionSpec{
		{"def", "find the definition of the symbol at a position", daemon.MethodFindDef},
		{"typedef", "find the type definition of the symbol at a position", daemon.MethodFindTypeDef},
		{"impl", "find implementations of the symbol at a position", daemon.MethodFindImpl},
		{"refs", "find references to the symbol at a position", daemon.MethodFindRefs},
		{"hover", "show documentation for the symbol at a position", daemon.MethodHover},
		{"signature", "show signature help at a position", daemon.MethodSignatureHelp},
		{"calls-in", "list incoming calls for the function at a position", daemon.MethodCallsIncoming},
		{"calls-out", "list outgoing calls for the function at a position", daemon.MethodCallsOutgoing},
		{"supertypes", "list supertypes of the type at a position", daemon.MethodSupertypes},
		{"subtypes", "list subtypes of the type at a position", daemon.MethodSubtypes},
		{"prepare-rename", "check whether the symbol at a position can be renamed", daemon.MethodPrepareRename},
		{"selection", "expand selection ranges at a position", daemon.MethodSelectionRanges},
		{"actions", "list code actions at a position", daemon.MethodCodeActions},
	}
	wholeFile := []positionSpec{
		{"symbols", "outline the symbols in a file", daemon.MethodFindSymbol},
		{"diagnostics", "show diagnostics for a file", daemon.MethodDiagnostics},
		{"folding", "list folding ranges in a file", daemon.MethodFoldingRanges},
		{"lenses", "list code lenses in a file", daemon.MethodCodeLens},
	}

	var cmds []*cli.Command
	for _, spec := range positional {
		cmds = append(cmds, &cli.Command{
			Name:      spec.name,
			Usage:     spec.usage,
			ArgsUsage: "FILE LINE COLUMN",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				params, err := positionArgs(cmd)
				if err != nil {
					return err
				}
				return callDaemon(ctx, cmd, spec.method, params)
			},
		})
	}
	for _, spec := range wholeFile {
		cmds = append(cmds, &cli.Command{
			Name:      spec.name,
			Usage:     spec.usage,
			ArgsUsage: "FILE",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				if cmd.Args().Len() < 1 {
					return fmt.Errorf("usage: %s FILE", spec.name)
				}
				return callDaemon(ctx, cmd, spec.method, daemon.FileParams{File: cmd.Args().Get(0)})
			},
		})
	}

	cmds = append(cmds, &cli.Command{
		Name:      "inlay",
		Usage:     "list inlay hints for a line range",
		ArgsUsage: "FILE [START_LINE END_LINE]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args()
			if args.Len() < 1 {
				return fmt.Errorf("usage: inlay FILE [START_LINE END_LINE]")
			}
			params := daemon.RangeParams{File: args.Get(0)}
			if args.Len() >= 3 {
				var err error
				if params.StartLine, err = strconv.Atoi(args.Get(1)); err != nil {
					return fmt.Errorf("bad start line %q", args.Get(1))
				}
				if params.EndLine, err = strconv.Atoi(args.Get(2)); err != nil {
					return fmt.Errorf("bad end line %q", args.Get(2))
				}
			}
			return callDaemon(ctx, cmd, daemon.MethodInlayHints, params)
		},
	})
	return cmds
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "search workspace symbols",
		ArgsUsage: "QUERY",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "lang",
				Usage:    "language whose server handles the query (go, rust, ...)",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return fmt.Errorf("usage: search --lang LANG QUERY")
			}
			return callDaemon(ctx, cmd, daemon.MethodWorkspaceSymbol, daemon.QueryParams{
				Language: cmd.String("lang"),
				Query:    cmd.Args().Get(0),
			})
		},
	}
}

func renameCommand() *cli.Command {
	return &cli.Command{
		Name:      "rename",
		Usage:     "rename the symbol at a position across the workspace",
		ArgsUsage: "FILE LINE COLUMN NEW_NAME",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pos, err := positionArgs(cmd)
			if err != nil {
				return err
			}
			if cmd.Args().Len() < 4 {
				return fmt.Errorf("usage: rename FILE LINE COLUMN NEW_NAME")
			}
			return callDaemon(ctx, cmd, daemon.MethodRename, daemon.RenameParams{
				PositionParams: pos,
				NewName:        cmd.Args().Get(3),
			})
		},
	}
}

func applyActionCommand() *cli.Command {
	return &cli.Command{
		Name:      "apply-action",
		Usage:     "apply a code action at a position",
		ArgsUsage: "FILE LINE COLUMN",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "title",
				Usage: "pick the action with this title instead of the first",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pos, err := positionArgs(cmd)
			if err != nil {
				return err
			}
			return callDaemon(ctx, cmd, daemon.MethodApplyCodeAction, daemon.CodeActionParams{
				PositionParams: pos,
				Title:          cmd.String("title"),
			})
		},
	}
}

// positionArgs parses the FILE LINE COLUMN positional arguments.
func positionArgs(cmd *cli.Command) (daemon.PositionParams, error) {
	args := cmd.Args()
	if args.Len() < 3 {
		return daemon.PositionParams{}, fmt.Errorf("expected FILE LINE COLUMN arguments")
	}
	line, err := strconv.Atoi(args.Get(1))
	if err != nil {
		return daemon.PositionParams{}, fmt.Errorf("bad line %q", args.Get(1))
	}
	column, err := strconv.Atoi(args.Get(2))
	if err != nil {
		return daemon.PositionParams{}, fmt.Errorf("bad column %q", args.Get(2))
	}
	return daemon.PositionParams{File: args.Get(0), Line: line, Column: column}, nil
}
