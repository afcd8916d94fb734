// Package gitpub commits the working tree and pushes it to the configured
// remote, and derives the remote's GitHub Pages URL.
package gitpub

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

type Publisher struct {
	Runner Runner
	Name   string
	Email  string
	Remote string
	Branch string
	// Exclude lists working-tree paths that are never staged. Already
	// tracked copies are dropped from the index on the next commit.
	Exclude []string
	Log     *zap.Logger
}

func (p *Publisher) logger() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return zap.NewNop()
}

func (p *Publisher) remote() string {
	if p.Remote != "" {
		return p.Remote
	}
	return "origin"
}

func (p *Publisher) branch() string {
	if p.Branch != "" {
		return p.Branch
	}
	return "main"
}

// CommitAndPush stages everything, commits with message and pushes the
// primary branch. It returns the resulting HEAD commit id.
func (p *Publisher) CommitAndPush(ctx context.Context, message string) (string, error) {
	log := p.logger()
	if _, err := p.Runner.Run(ctx, "config", "user.email", p.Email); err != nil {
		log.Warn("could not set git config", zap.Error(err))
	} else if _, err := p.Runner.Run(ctx, "config", "user.name", p.Name); err != nil {
		log.Warn("could not set git config", zap.Error(err))
	}

	add := []string{"add", "-A"}
	if len(p.Exclude) > 0 {
		add = append(add, "--", ".")
		for _, ex := range p.Exclude {
			if _, err := p.Runner.Run(ctx, "rm", "-r", "-q", "--cached", "--ignore-unmatch", "--", ex); err != nil {
				log.Warn("could not untrack excluded path", zap.String("path", ex), zap.Error(err))
			}
			add = append(add, ":(exclude)"+ex)
		}
	}
	if _, err := p.Runner.Run(ctx, add...); err != nil {
		return "", fmt.Errorf("git commit/push error: %w", err)
	}
	if _, err := p.Runner.Run(ctx, "commit", "-m", message); err != nil {
		log.Info("nothing to commit", zap.Error(err))
	}
	if _, err := p.Runner.Run(ctx, "branch", "-M", p.branch()); err != nil {
		log.Warn("could not rename branch", zap.String("branch", p.branch()), zap.Error(err))
	}
	if _, err := p.Runner.Run(ctx, "push", p.remote(), p.branch()); err != nil {
		return "", fmt.Errorf("git commit/push error: %w", err)
	}
	out, err := p.Runner.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git commit/push error: %w", err)
	}
	return out.Stdout, nil
}

// Info describes the configured remote. RemoteURL is nil when the remote
// cannot be read; Owner, Repo and PagesURL are empty when it cannot be parsed.
type Info struct {
	RemoteURL *string
	Owner     string
	Repo      string
	PagesURL  string
}

// RepoInfo never fails; unknown fields are left empty.
func (p *Publisher) RepoInfo(ctx context.Context) Info {
	out, err := p.Runner.Run(ctx, "remote", "get-url", p.remote())
	if err != nil || out.Stdout == "" {
		return Info{}
	}
	remote := out.Stdout
	info := Info{RemoteURL: &remote}
	owner, repo, ok := ParseRemote(remote)
	if !ok {
		return info
	}
	info.Owner = owner
	info.Repo = repo
	info.PagesURL = PagesURL(owner, repo)
	return info
}

var remotePattern = regexp.MustCompile(`([^/:@]+)/([^/:]+?)(?:\.git)?/?$`)

// ParseRemote extracts owner and repository from URL-style
// (https://host/owner/repo.git) or SSH-style (git@host:owner/repo.git) remotes.
func ParseRemote(remote string) (owner, repo string, ok bool) {
	m := remotePattern.FindStringSubmatch(strings.TrimSpace(remote))
	if m == nil || m[1] == "" || m[2] == "" {
		return "", "", false
	}
	return m[1], m[2], true
}

// PagesURL is the GitHub Pages address for owner/repo.
func PagesURL(owner, repo string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", owner, strings.TrimSuffix(repo, ".git"))
}
