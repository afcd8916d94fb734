// Package app resolves the effective configuration and assembles the relay
// from it. Both the serve command and the read-only CLI commands go through
// here so they agree on where the working tree and run log live.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"taskrelay/internal/attach"
	"taskrelay/internal/config"
	"taskrelay/internal/db"
	"taskrelay/internal/fetch"
	"taskrelay/internal/gitpub"
	"taskrelay/internal/migrate"
	"taskrelay/internal/pipeline"
	"taskrelay/internal/report"
	"taskrelay/internal/repo"
	"taskrelay/internal/rules"
	"taskrelay/internal/server"
	"taskrelay/internal/workspace"
)

// Lookup returns an override for a config key, or "" for none. Keys are the
// flag names: secret, addr, workdir, state-dir, pages-owner, git-name,
// git-email, jwt-secret.
type Lookup func(key string) string

// ResolveConfig reads the config file at path (missing is fine) and applies
// non-empty overrides on top.
func ResolveConfig(path string, lookup Lookup) (*config.Config, error) {
	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, err
	}
	if lookup == nil {
		return cfg, nil
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Secret, "secret")
	set(&cfg.Addr, "addr")
	set(&cfg.Workdir, "workdir")
	set(&cfg.StateDir, "state-dir")
	set(&cfg.PagesOwner, "pages-owner")
	set(&cfg.Git.Name, "git-name")
	set(&cfg.Git.Email, "git-email")
	set(&cfg.Admin.JWTSecret, "jwt-secret")
	return cfg, nil
}

// StateDir resolves the run-log directory against the working tree.
func StateDir(cfg *config.Config) string {
	if filepath.IsAbs(cfg.StateDir) {
		return cfg.StateDir
	}
	return filepath.Join(cfg.Workdir, cfg.StateDir)
}

// OpenRepo opens and migrates the run log.
func OpenRepo(ctx context.Context, cfg *config.Config) (*sql.DB, repo.Repo, error) {
	conn, err := db.Open(db.Config{StateDir: StateDir(cfg)})
	if err != nil {
		return nil, repo.Repo{}, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, repo.Repo{}, fmt.Errorf("migrate run log: %w", err)
	}
	return conn, repo.Repo{DB: conn}, nil
}

// NewPublisher returns the git publisher for the configured working tree.
func NewPublisher(cfg *config.Config, log *zap.Logger) *gitpub.Publisher {
	return &gitpub.Publisher{
		Runner: gitpub.ExecRunner{Dir: cfg.Workdir, Timeout: cfg.GitTimeout()},
		Name:   cfg.Git.Name,
		Email:  cfg.Git.Email,
		Remote: cfg.Git.Remote,
		Branch: cfg.Git.Branch,
		Log:    log,
	}
}

// App is a fully wired relay.
type App struct {
	Config       *config.Config
	DB           *sql.DB
	Repo         repo.Repo
	Workspace    *workspace.Workspace
	Orchestrator *pipeline.Orchestrator
	Log          *zap.Logger
}

// New validates cfg and wires every component of the pipeline.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	files, err := workspace.New(cfg.Workdir, log.Named("workspace"))
	if err != nil {
		return nil, err
	}
	conn, r, err := OpenRepo(ctx, cfg)
	if err != nil {
		return nil, err
	}

	private := privatePaths(cfg, files)
	files.Protect(private...)
	publisher := NewPublisher(cfg, log.Named("git"))
	publisher.Exclude = private

	client := fetch.New(cfg.UserAgent(), cfg.FetchTimeout(), log.Named("fetch"))
	orch := &pipeline.Orchestrator{
		Secret:        cfg.Secret,
		LicenseHolder: licenseHolder(cfg),
		Files:         files,
		Attachments:   attach.Materializer{Files: files, Log: log.Named("attach")},
		Dispatcher: rules.NewDispatcher(client, files, rules.Options{
			Log:         log.Named("rules"),
			Parallelism: cfg.Fetch.Parallelism,
		}),
		Publisher: publisher,
		Reporter: report.Reporter{
			Poster:       client,
			Timeout:      cfg.CallbackTimeout(),
			DefaultEmail: cfg.Git.Email,
			PagesOwner:   cfg.PagesOwner,
			Log:          log.Named("callback"),
		},
		Recorder: pipeline.NewRecorder(conn),
		Log:      log.Named("pipeline"),
	}
	return &App{Config: cfg, DB: conn, Repo: r, Workspace: files, Orchestrator: orch, Log: log}, nil
}

// privatePaths lists the config file and run log when they live inside the
// published tree. They hold secrets and must never be committed or
// overwritten by a task.
func privatePaths(cfg *config.Config, files *workspace.Workspace) []string {
	var out []string
	for _, p := range []string{cfg.Source, StateDir(cfg)} {
		if p == "" {
			continue
		}
		if rel, ok := files.Rel(p); ok {
			out = append(out, rel)
		}
	}
	return out
}

func licenseHolder(cfg *config.Config) string {
	if cfg.PagesOwner != "" {
		return cfg.PagesOwner
	}
	return cfg.Git.Name
}

// Handler returns the HTTP surface backed by this app.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Runner: a.Orchestrator,
		Repo:   a.Repo,
		Auth:   server.AuthConfig{JWTSecret: a.Config.Admin.JWTSecret},
		Log:    a.Log.Named("http"),
	})
}

// Webhooks returns the event forwarder, or nil when none is configured.
func (a *App) Webhooks() *server.WebhookDispatcher {
	return server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, a.Log.Named("webhooks"))
}

func (a *App) Close() error {
	return a.DB.Close()
}
