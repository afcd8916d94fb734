// Package report assembles the outward response record and delivers it to
// the caller's evaluation callback.
package report

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"taskrelay/internal/domain"
	"taskrelay/internal/gitpub"
)

const defaultTimeout = 10 * time.Second

// Poster delivers a JSON body to a URL.
type Poster interface {
	PostJSON(ctx context.Context, url string, v any) error
}

type Reporter struct {
	Poster       Poster
	Timeout      time.Duration
	DefaultEmail string
	PagesOwner   string
	Log          *zap.Logger
}

func (r Reporter) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// Build merges task identity with the commit outcome, filling defaults for
// fields the caller left out.
func (r Reporter) Build(task domain.Task, commitSHA string, info gitpub.Info) domain.ResponsePayload {
	payload := domain.ResponsePayload{
		Email:     task.Email,
		Task:      task.Task,
		Round:     task.Round,
		Nonce:     task.Nonce,
		RepoURL:   info.RemoteURL,
		CommitSHA: commitSHA,
		PagesURL:  info.PagesURL,
	}
	if payload.Email == "" {
		payload.Email = r.DefaultEmail
	}
	if payload.Task == "" {
		payload.Task = "unknown"
	}
	if payload.Round == 0 {
		payload.Round = 1
	}
	if payload.PagesURL == "" {
		payload.PagesURL = fmt.Sprintf("https://%s.github.io/%s/", r.PagesOwner, info.Repo)
	}
	return payload
}

// Deliver posts payload to url once. The error is returned for callers that
// care; the pipeline only logs it.
func (r Reporter) Deliver(ctx context.Context, url string, payload domain.ResponsePayload) error {
	if url == "" {
		return nil
	}
	log := r.logger().With(zap.String("url", url))
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	log.Info("posting evaluation callback")
	if err := r.Poster.PostJSON(ctx, url, payload); err != nil {
		log.Warn("evaluation callback failed", zap.Error(err))
		return err
	}
	log.Info("evaluation callback delivered")
	return nil
}
