// Package rules turns a task into artifacts. A Dispatcher picks exactly one
// Rule per task from an ordered route table.
package rules

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskrelay/internal/domain"
	"taskrelay/internal/fetch"
)

var (
	ErrParse       = errors.New("parse error")
	ErrEmptyResult = errors.New("empty result")
)

// Files is the workspace surface the rules write through.
type Files interface {
	WriteFile(name string, data []byte) error
	ReadFile(name string) ([]byte, error)
	Exists(name string) bool
}

// Outcome lists what a rule produced.
type Outcome struct {
	Rule      string
	Created   []string
	Saved     []string
	Extrema   *domain.ExtremaResult
	TargetURL string
	Files     []domain.SavedFile
}

type Rule interface {
	Name() string
	Apply(ctx context.Context, task domain.Task) (Outcome, error)
}

// Route pairs a predicate with the rule it selects.
type Route struct {
	Match func(domain.Task) bool
	Rule  Rule
}

// Dispatcher evaluates Routes in order; the first match wins and Default
// runs when nothing matches.
type Dispatcher struct {
	Routes  []Route
	Default Rule
}

// Options tunes the built-in rules.
type Options struct {
	Log         *zap.Logger
	Parallelism int
	Now         func() time.Time
}

// NewDispatcher wires the built-in routes.
func NewDispatcher(fetcher fetch.Fetcher, files Files, opts Options) *Dispatcher {
	return &Dispatcher{
		Routes: []Route{
			{Match: MatchShareVolume, Rule: &ShareVolumeRule{Fetcher: fetcher, Files: files, Log: opts.Log}},
		},
		Default: &GenericRule{Fetcher: fetcher, Files: files, Log: opts.Log, Parallelism: opts.Parallelism, Now: opts.Now},
	}
}

// Select returns the rule that handles task.
func (d *Dispatcher) Select(task domain.Task) Rule {
	for _, r := range d.Routes {
		if r.Match(task) {
			return r.Rule
		}
	}
	return d.Default
}

func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task) (Outcome, error) {
	rule := d.Select(task)
	out, err := rule.Apply(ctx, task)
	out.Rule = rule.Name()
	return out, err
}

var shareVolumeBriefKeywords = []string{
	"entitycommonstocksharesoutstanding",
	"share volume",
	"cik",
}

// MatchShareVolume selects the share-volume rule by task name or brief.
func MatchShareVolume(task domain.Task) bool {
	if strings.Contains(strings.ToLower(task.Task), "sharevolume") {
		return true
	}
	brief := strings.ToLower(task.Brief)
	for _, kw := range shareVolumeBriefKeywords {
		if strings.Contains(brief, kw) {
			return true
		}
	}
	return false
}

var (
	urlPattern       = regexp.MustCompile(`https?://[^\s'")]+`)
	trailingPunctPat = regexp.MustCompile(`[),.]+$`)
)

// ExtractURLs returns the http(s) URLs in text, trailing punctuation
// stripped, deduplicated in first-seen order.
func ExtractURLs(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var urls []string
	for _, m := range urlPattern.FindAllString(text, -1) {
		u := trailingPunctPat.ReplaceAllString(m, "")
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}
