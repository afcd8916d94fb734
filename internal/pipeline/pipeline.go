// Package pipeline runs one task end to end: authenticate, materialize
// attachments, dispatch to a rule, publish the working tree and report.
package pipeline

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskrelay/internal/domain"
	"taskrelay/internal/gitpub"
	"taskrelay/internal/report"
	"taskrelay/internal/rules"
)

var ErrUnauthorized = errors.New("invalid secret")

// PublishError wraps a commit or push failure.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string { return "repo push failed: " + e.Err.Error() }
func (e *PublishError) Unwrap() error { return e.Err }

type Files interface {
	WriteFile(name string, data []byte) error
	Exists(name string) bool
}

type Materializer interface {
	MaterializeAll(atts []domain.Attachment) []string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task) (rules.Outcome, error)
}

type Publisher interface {
	CommitAndPush(ctx context.Context, message string) (string, error)
	RepoInfo(ctx context.Context) gitpub.Info
}

// Result is what a successful run returns to the HTTP caller.
type Result struct {
	RunID    string
	Rule     string
	Meta     domain.Meta
	Response domain.ResponsePayload
}

// Orchestrator owns one task for the duration of Run. Runs are serialized
// because every run shares the same working tree and branch.
type Orchestrator struct {
	Secret        string
	LicenseHolder string
	Files         Files
	Attachments   Materializer
	Dispatcher    Dispatcher
	Publisher     Publisher
	Reporter      report.Reporter
	Recorder      *Recorder
	Log           *zap.Logger
	Now           func() time.Time
	NewID         func() string

	mu sync.Mutex
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Log != nil {
		return o.Log
	}
	return zap.NewNop()
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

// Authenticate checks the task secret without side effects.
func (o *Orchestrator) Authenticate(task domain.Task) error {
	if task.Secret == "" || o.Secret == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(task.Secret), []byte(o.Secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// CommitMessage is the message recorded for a task's commit.
func CommitMessage(task domain.Task) string {
	name := task.Task
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("Auto-update for task %s nonce %s", name, task.Nonce)
}

// Run executes the pipeline. Errors are ErrUnauthorized, *PublishError or a
// dispatch failure; callback delivery never fails a run.
func (o *Orchestrator) Run(ctx context.Context, task domain.Task) (Result, error) {
	if err := o.Authenticate(task); err != nil {
		o.logger().Warn("rejected task", zap.String("task", task.Task), zap.Bool("secret_present", task.Secret != ""))
		return Result{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	runID := o.newID()
	log := o.logger().With(zap.String("run_id", runID), zap.String("task", task.Task), zap.String("nonce", task.Nonce))
	log.Info("task accepted", zap.Int("attachments", len(task.Attachments)), zap.Int("checks", len(task.Checks)))
	if err := o.Recorder.Start(ctx, domain.Run{ID: runID, Task: task.Task, Nonce: task.Nonce, Round: task.Round}); err != nil {
		log.Warn("run log start failed", zap.Error(err))
	}

	meta := domain.Meta{Created: []string{}, Saved: []string{}}
	if len(task.Attachments) > 0 {
		written := o.Attachments.MaterializeAll(task.Attachments)
		log.Info("attachments materialized", zap.Int("written", len(written)), zap.Int("requested", len(task.Attachments)))
	}

	if wantsLicense(task.Checks) && !o.Files.Exists(LicenseFile) {
		if err := o.Files.WriteFile(LicenseFile, []byte(mitLicense(o.now().Year(), o.LicenseHolder))); err != nil {
			log.Warn("license not written", zap.Error(err))
		} else {
			meta.Created = append(meta.Created, LicenseFile)
		}
	}

	outcome, err := o.Dispatcher.Dispatch(ctx, task)
	if err != nil {
		log.Error("dispatch failed", zap.String("rule", outcome.Rule), zap.Error(err))
		o.finish(ctx, log, runID, domain.RunStatusFailed, "", err)
		return Result{}, err
	}
	meta.Created = append(meta.Created, outcome.Created...)
	meta.Saved = append(meta.Saved, outcome.Saved...)
	if err := o.Recorder.Dispatched(ctx, runID, outcome); err != nil {
		log.Warn("run log dispatch failed", zap.Error(err))
	}

	sha, err := o.Publisher.CommitAndPush(ctx, CommitMessage(task))
	if err != nil {
		log.Error("git push failed", zap.Error(err))
		o.finish(ctx, log, runID, domain.RunStatusPublishFailed, "", err)
		return Result{}, &PublishError{Err: err}
	}
	log.Info("pushed commit", zap.String("commit_sha", sha))

	payload := o.Reporter.Build(task, sha, o.Publisher.RepoInfo(ctx))
	if task.EvaluationURL != "" {
		_ = o.Reporter.Deliver(ctx, task.EvaluationURL, payload)
	}
	o.finish(ctx, log, runID, domain.RunStatusPublished, sha, nil)
	return Result{RunID: runID, Rule: outcome.Rule, Meta: meta, Response: payload}, nil
}

func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, runID, status, sha string, cause error) {
	if err := o.Recorder.Finish(ctx, runID, status, sha, cause); err != nil {
		log.Warn("run log finish failed", zap.Error(err))
	}
}
