package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"actionbridge/internal/agent"
	"actionbridge/internal/channel"
	"actionbridge/internal/config"
	"actionbridge/internal/domain"
	"actionbridge/internal/memory"
	"actionbridge/internal/tool"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	agent.SetVersion(version)

	root := &cobra.Command{
		Use:   "actionbridge",
		Short: "actionbridge: natural-language instructions to backend API calls",
		Long: `actionbridge turns a natural-language instruction into validated calls
against a backend REST API, using an LLM to resolve intent.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.actionbridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(toolsCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func chatCmd() *cobra.Command {
	var (
		sessionID  string
		credential string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Long: `Starts an interactive session. Each line is resolved into backend calls.
Pass --session to resume an earlier conversation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			a.serveMetrics(ctx)

			if credential == "" {
				credential = os.Getenv("ACTIONBRIDGE_TOKEN")
			}
			id, err := a.orch.OpenSession(ctx, sessionID, credential)
			if err != nil {
				return err
			}

			cli := channel.NewCLI(channel.CLIConfig{
				Engine:    a.orch,
				SessionID: id,
				Logger:    a.logger,
				Spinner:   true,
				Verbose:   verbose,
			})
			err = cli.Start(ctx)
			a.orch.CloseSession(cli.SessionID())
			return err
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume this session id")
	cmd.Flags().StringVar(&credential, "token", "", "backend credential for this session (default: $ACTIONBRIDGE_TOKEN)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show each dispatched action")
	return cmd
}

func toolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			listOnly := tool.ExecutorFunc(func(context.Context, domain.ActionSchema, map[string]any, string) (tool.Output, error) {
				return tool.Output{}, errors.New("listing only")
			})
			reg, err := loadRegistry(cfg, listOnly, logger)
			if err != nil {
				return err
			}
			if asJSON {
				data, _ := json.MarshalIndent(reg.List(), "", "  ")
				fmt.Println(string(data))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMETHOD\tPATH\tREQUIRED")
			for _, s := range reg.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", s.Name, s.Method, s.Path, s.RequiredParams())
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full schemas as JSON")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, show and delete stored sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, done, err := buildStore(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			recs, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTURNS\tUPDATED")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%d\t%s\n", r.ID, r.TurnCount, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions")
	cmd.AddCommand(list)

	var turns int
	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Show the turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, done, err := buildStore(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if _, err := store.GetSession(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("session %s: %w", args[0], err)
			}
			history, err := store.Turns(cmd.Context(), args[0], turns)
			if err != nil {
				return err
			}
			fmt.Println(agent.FormatTurns(history))
			return nil
		},
	}
	show.Flags().IntVarP(&turns, "turns", "n", 0, "show only the last n turns (0 = all)")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, done, err := buildStore(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			if err := store.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			logger.Info("session deleted", "session", args[0])
			return nil
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [limit]",
		Short: "Show recent dispatch audit entries (SQL stores only)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := 50
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("limit must be a positive integer")
				}
				limit = n
			}
			cfg, store, done, err := buildStore(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			sqlStore, ok := store.(*memory.SQLStore)
			if !ok {
				return fmt.Errorf("store driver %q keeps no audit log", cfg.Store.Driver)
			}
			entries, err := sqlStore.AuditLog(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSESSION\tTOOL\tOK\tKIND\tATTEMPTS\tARGS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%d\t%s\n", e.Time.Format("2006-01-02 15:04:05"),
					e.SessionID, e.Tool, e.OK, e.ErrorKind, e.Attempts, e.Arguments)
			}
			return w.Flush()
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show provider and backend status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()

			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Info("config", "path", cfgPath, "provider", cfg.LLM.Provider, "store", cfg.Store.Driver)
			for name, err := range providerHealth(ctx, cfg) {
				if err != nil {
					logger.Warn("provider", "name", name, "healthy", false, "err", err)
				} else {
					logger.Info("provider", "name", name, "healthy", true)
				}
			}
			if err := backendHealth(ctx, cfg); err != nil {
				logger.Warn("backend", "url", cfg.API.BaseURL, "reachable", false, "err", err)
			} else {
				logger.Info("backend", "url", cfg.API.BaseURL, "reachable", true)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. llm.provider)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. api.retryAttempts 5)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			shown := args[1]
			if config.IsSecret(args[0]) {
				shown = "(hidden)"
			}
			logger.Info("config updated", "path", args[0], "value", shown, "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for _, s := range config.ListPaths(cfg) {
				data, _ := json.Marshal(s.Value)
				fmt.Printf("%s = %s\n", s.Path, data)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
