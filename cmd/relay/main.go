package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"taskrelay/internal/app"
	"taskrelay/internal/config"
	"taskrelay/internal/domain"
	"taskrelay/internal/repo"
	"taskrelay/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Task relay: turn posted tasks into commits on a GitHub Pages repo",
	Long: `relay receives task requests over HTTP, materializes their attachments into a
git working tree, runs a content rule (a share-volume extrema page or a generic
URL fetcher), commits and pushes the result, and reports the commit back to the
caller's evaluation URL.

Every authenticated request is recorded in a local run log (.relay/relay.db)
that the runs and events commands read.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if viper.GetBool("verbose") {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

var overrideFlags = []struct{ name, usage string }{
	{"secret", "shared secret tasks must present"},
	{"workdir", "git working tree to publish"},
	{"state-dir", "run log directory, relative to workdir"},
	{"pages-owner", "GitHub user that owns the Pages site"},
	{"git-name", "commit author name"},
	{"git-email", "commit author email"},
	{"jwt-secret", "HS256 secret for the /v0 admin API"},
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", config.Path("."), "config file")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("verbose", "v", false, "debug logging")
	for _, f := range overrideFlags {
		flags.String(f.name, "", f.usage)
	}
	for _, name := range []string{"config", "json", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	for _, f := range overrideFlags {
		_ = viper.BindPFlag(f.name, flags.Lookup(f.name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(repoCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func resolveConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("config"), viper.GetString)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := a.Handler()
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				logger.Warn("admin.jwt_secret is empty; /v0 admin API will reject every request")
			}
			go a.Webhooks().Run(ctx)

			srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving task relay",
				zap.String("addr", cfg.Addr),
				zap.String("workdir", a.Workspace.Root()),
				zap.String("admin", "/v0 (OpenAPI at /v0/openapi.json)"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config, :3000)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect the run log"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var n int
	var status, task string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx, n, status, task)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Round", "Rule", "Status", "Commit", "Started"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, run.Task, run.Round, run.Rule, run.Status, shortSHA(run.CommitSHA), ago(run.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of runs")
	cmd.Flags().StringVar(&status, "status", "", "status filter (running, published, failed, publish_failed)")
	cmd.Flags().StringVar(&task, "task", "", "task name filter")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				evts, err := r.LatestEventsFrom(ctx, 100, 0, "", run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "events": evts})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"ID", run.ID},
					{"Task", run.Task},
					{"Nonce", run.Nonce},
					{"Round", run.Round},
					{"Rule", run.Rule},
					{"Status", run.Status},
					{"Commit", deref(run.CommitSHA)},
					{"Error", deref(run.Error)},
					{"Started", run.CreatedAt + " (" + ago(run.CreatedAt) + ")"},
					{"Finished", deref(run.FinishedAt)},
				})
				tw.Render()
				printEvents(evts)
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{
		Use:   "events",
		Short: "Event log",
		Long:  "Every run appends run.started, run.dispatched and a terminal event; configured webhooks receive the same stream.",
	}
	evts.AddCommand(eventsTailCmd())
	return evts
}

func eventsTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEventsFrom(ctx, n, 0, evtType, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printEvents(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func repoCmd() *cobra.Command {
	r := &cobra.Command{Use: "repo", Short: "Inspect the published working tree"}
	r.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the remote and derived Pages URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			info := app.NewPublisher(cfg, logger).RepoInfo(cmd.Context())
			if viper.GetBool("json") {
				return printJSON(info)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRows([]table.Row{
				{"Workdir", cfg.Workdir},
				{"Remote", deref(info.RemoteURL)},
				{"Owner", info.Owner},
				{"Repo", info.Repo},
				{"Pages URL", info.PagesURL},
				{"Branch", cfg.Git.Branch},
			})
			tw.Render()
			return nil
		},
	})
	return r
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the /v0 admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.Admin.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage relay.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveConfig()
			if err != nil {
				return err
			}
			redacted := c.Redacted()
			if viper.GetBool("json") {
				return printJSON(redacted)
			}
			out, err := yaml.Marshal(&redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check that the effective config can run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveConfig()
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write an example relay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.ExampleYAML), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	conn, r, err := app.OpenRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, r)
}

func printEvents(items []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "When", "Type", "Run", "Payload"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.ID, ago(evt.TS), evt.Type, evt.RunID, evt.Payload})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func shortSHA(sha *string) string {
	s := deref(sha)
	if len(s) > 7 {
		return s[:7]
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
