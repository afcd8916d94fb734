package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/internal/attach"
	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/fetch"
	"taskrelay/internal/gitpub"
	"taskrelay/internal/migrate"
	"taskrelay/internal/report"
	"taskrelay/internal/repo"
	"taskrelay/internal/rules"
	"taskrelay/internal/workspace"
)

const secret = "s3cret"

type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]fetch.Result
}

func (f *stubFetcher) Get(_ context.Context, url string, _ http.Header) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.responses[url]; ok {
		return res, nil
	}
	return fetch.Result{}, &fetch.StatusError{URL: url, StatusCode: 404, Status: "404 Not Found"}
}

type stubPublisher struct {
	messages []string
	err      error
	remote   string
}

func (p *stubPublisher) CommitAndPush(_ context.Context, msg string) (string, error) {
	p.messages = append(p.messages, msg)
	if p.err != nil {
		return "", p.err
	}
	return "0123456789abcdef0123456789abcdef01234567", nil
}

func (p *stubPublisher) RepoInfo(context.Context) gitpub.Info {
	if p.remote == "" {
		return gitpub.Info{}
	}
	owner, repo, _ := gitpub.ParseRemote(p.remote)
	return gitpub.Info{RemoteURL: &p.remote, Owner: owner, Repo: repo, PagesURL: gitpub.PagesURL(owner, repo)}
}

type stubPoster struct {
	calls []domain.ResponsePayload
	err   error
}

func (p *stubPoster) PostJSON(_ context.Context, _ string, v any) error {
	p.calls = append(p.calls, v.(domain.ResponsePayload))
	return p.err
}

type env struct {
	orch      *Orchestrator
	fs        afero.Fs
	publisher *stubPublisher
	poster    *stubPoster
	runs      repo.Repo
}

func newEnv(t *testing.T, responses map[string]fetch.Result) env {
	t.Helper()
	conn, err := db.Open(db.Config{StateDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	fs := afero.NewMemMapFs()
	files := workspace.NewWithFs("/", fs, nil)
	publisher := &stubPublisher{remote: "https://github.com/octo/site.git"}
	poster := &stubPoster{}
	orch := &Orchestrator{
		Secret:        secret,
		LicenseHolder: "octo",
		Files:         files,
		Attachments:   attach.Materializer{Files: files},
		Dispatcher: rules.NewDispatcher(&stubFetcher{responses: responses}, files, rules.Options{
			Now: func() time.Time { return time.UnixMilli(1700000000000) },
		}),
		Publisher: publisher,
		Reporter:  report.Reporter{Poster: poster, DefaultEmail: "bot@example.com", PagesOwner: "octo"},
		Recorder:  NewRecorder(conn),
		Now:       func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
	return env{orch: orch, fs: fs, publisher: publisher, poster: poster, runs: repo.Repo{DB: conn}}
}

func dispatchedPayload(t *testing.T, e env, runID string) map[string]any {
	t.Helper()
	evts, err := e.runs.LatestEventsFrom(context.Background(), 10, 0, events.RunDispatched, runID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(evts[0].Payload), &payload))
	return payload
}

const secDoc = `{"entityName":"Example Corp","units":{"shares":[
	{"fy":2020,"val":1},
	{"fy":2021,"val":300},
	{"fy":2022,"val":100},
	{"fy":2023,"val":300}
]}}`

func TestScenarioSpecializedRule(t *testing.T) {
	e := newEnv(t, map[string]fetch.Result{rules.DefaultDatasetURL: {IsText: true, Text: secDoc}})
	res, err := e.orch.Run(context.Background(), domain.Task{Secret: secret, Task: "ShareVolume-Q1", Nonce: "abc", EvaluationURL: "https://eval.example.com/cb"})
	require.NoError(t, err)

	assert.Equal(t, "ShareVolume-Q1", res.Response.Task)
	assert.Equal(t, "share-volume", res.Rule)
	assert.Equal(t, []string{"data.json", "index.html"}, res.Meta.Created)
	assert.Equal(t, []string{rules.DefaultDatasetURL}, res.Meta.Saved)
	assert.Equal(t, "https://octo.github.io/site/", res.Response.PagesURL)
	assert.Equal(t, []string{"Auto-update for task ShareVolume-Q1 nonce abc"}, e.publisher.messages)
	require.Len(t, e.poster.calls, 1)
	assert.Equal(t, res.Response, e.poster.calls[0])

	data, err := afero.ReadFile(e.fs, "data.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"entityName":"Example Corp","max":{"val":300,"fy":"2021"},"min":{"val":100,"fy":"2022"}}`, string(data))

	run, err := e.runs.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPublished, run.Status)
	assert.Equal(t, "share-volume", run.Rule)

	payload := dispatchedPayload(t, e, res.RunID)
	assert.Equal(t, rules.DefaultDatasetURL, payload["target_url"])
	assert.Equal(t, "Example Corp", payload["extrema"].(map[string]any)["entityName"])
	assert.NotContains(t, payload, "files")
}

func TestScenarioGenericRule(t *testing.T) {
	e := newEnv(t, map[string]fetch.Result{"https://example.com/report.csv": {IsText: true, Text: "a,b\n"}})
	res, err := e.orch.Run(context.Background(), domain.Task{Secret: secret, Brief: "fetch https://example.com/report.csv"})
	require.NoError(t, err)
	assert.Equal(t, []string{"report.csv"}, res.Meta.Saved)
	assert.Equal(t, "unknown", res.Response.Task)
	assert.Equal(t, 1, res.Response.Round)
	assert.Equal(t, "bot@example.com", res.Response.Email)
	assert.Empty(t, e.poster.calls)
	exists, _ := afero.Exists(e.fs, "report.csv")
	assert.True(t, exists)

	payload := dispatchedPayload(t, e, res.RunID)
	assert.Equal(t, "generic", payload["rule"])
	assert.Equal(t, []any{map[string]any{"url": "https://example.com/report.csv", "name": "report.csv"}}, payload["files"])
	assert.NotContains(t, payload, "extrema")
}

func TestScenarioBadSecretHasNoSideEffects(t *testing.T) {
	e := newEnv(t, nil)
	for _, s := range []string{"", "wrong"} {
		_, err := e.orch.Run(context.Background(), domain.Task{
			Secret:      s,
			Task:        "ShareVolume-Q1",
			Attachments: []domain.Attachment{{Name: "uid.txt", URL: "data:,1"}},
			Checks:      []string{"MIT license present"},
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	files, err := afero.ReadDir(e.fs, "/")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Empty(t, e.publisher.messages)
	runs, err := e.runs.ListRuns(context.Background(), 10, "", "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestScenarioPushFailureSkipsCallback(t *testing.T) {
	e := newEnv(t, map[string]fetch.Result{rules.DefaultDatasetURL: {IsText: true, Text: secDoc}})
	e.publisher.err = &gitpub.CommandError{Args: []string{"push", "origin", "main"}, Output: "fatal: unable to access remote"}
	_, err := e.orch.Run(context.Background(), domain.Task{Secret: secret, Task: "ShareVolume-Q1", EvaluationURL: "https://eval.example.com/cb"})
	var pe *PublishError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, err.Error(), "unable to access remote")
	assert.Empty(t, e.poster.calls)

	runs, err := e.runs.ListRuns(context.Background(), 10, domain.RunStatusPublishFailed, "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].Error)
	assert.True(t, strings.Contains(*runs[0].Error, "unable to access remote"))
}

func TestDispatchFailureAbortsBeforePublish(t *testing.T) {
	e := newEnv(t, map[string]fetch.Result{rules.DefaultDatasetURL: {IsText: true, Text: "not json"}})
	_, err := e.orch.Run(context.Background(), domain.Task{Secret: secret, Task: "ShareVolume"})
	assert.ErrorIs(t, err, rules.ErrParse)
	assert.Empty(t, e.publisher.messages)
	runs, err := e.runs.ListRuns(context.Background(), 10, domain.RunStatusFailed, "")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestAttachmentsAndLicense(t *testing.T) {
	e := newEnv(t, nil)
	res, err := e.orch.Run(context.Background(), domain.Task{
		Secret: secret,
		Attachments: []domain.Attachment{
			{Name: "uid.txt", URL: "data:text/plain;base64,NDI="},
			{Name: "remote.txt", URL: "https://example.com/remote.txt"},
		},
		Checks: []string{"Repo has an MIT license"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{LicenseFile}, res.Meta.Created)
	uid, err := afero.ReadFile(e.fs, "uid.txt")
	require.NoError(t, err)
	assert.Equal(t, "42", string(uid))
	license, err := afero.ReadFile(e.fs, LicenseFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(license), "MIT License\n\nCopyright (c) 2025 octo"))

	// an existing LICENSE is left alone
	require.NoError(t, afero.WriteFile(e.fs, LicenseFile, []byte("Apache"), 0o644))
	res, err = e.orch.Run(context.Background(), domain.Task{Secret: secret, Checks: []string{"license"}})
	require.NoError(t, err)
	assert.Empty(t, res.Meta.Created)
	license, _ = afero.ReadFile(e.fs, LicenseFile)
	assert.Equal(t, "Apache", string(license))
}

func TestCallbackFailureDoesNotFailRun(t *testing.T) {
	e := newEnv(t, nil)
	e.poster.err = errors.New("connection refused")
	res, err := e.orch.Run(context.Background(), domain.Task{Secret: secret, Task: "t", EvaluationURL: "https://eval.example.com/cb"})
	require.NoError(t, err)
	assert.Len(t, e.poster.calls, 1)
	assert.Equal(t, "t", res.Response.Task)
}

func TestRunsAreSerialized(t *testing.T) {
	e := newEnv(t, nil)
	var active, peak int
	var mu sync.Mutex
	e.orch.Dispatcher = dispatcherFunc(func(ctx context.Context, task domain.Task) (rules.Outcome, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return rules.Outcome{Rule: "noop"}, nil
	})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.orch.Run(context.Background(), domain.Task{Secret: secret})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

type dispatcherFunc func(ctx context.Context, task domain.Task) (rules.Outcome, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, task domain.Task) (rules.Outcome, error) {
	return f(ctx, task)
}

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "Auto-update for task unknown nonce ", CommitMessage(domain.Task{}))
	assert.Equal(t, "Auto-update for task x nonce 7", CommitMessage(domain.Task{Task: "x", Nonce: "7"}))
}
