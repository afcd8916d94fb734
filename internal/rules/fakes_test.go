package rules

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/spf13/afero"

	"taskrelay/internal/fetch"
	"taskrelay/internal/workspace"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fetch.Result
	requested []string
}

func (f *fakeFetcher) Get(_ context.Context, url string, _ http.Header) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, url)
	res, ok := f.responses[url]
	if !ok {
		return fetch.Result{}, &fetch.StatusError{URL: url, StatusCode: http.StatusNotFound, Status: "404 Not Found"}
	}
	return res, nil
}

func jsonResult(body string) fetch.Result {
	return fetch.Result{ContentType: "application/json", IsText: true, Text: body}
}

func memFiles() (*workspace.Workspace, afero.Fs) {
	fs := afero.NewMemMapFs()
	return workspace.NewWithFs("/", fs, nil), fs
}

func sharesDoc(entity string, entries ...string) string {
	body := "["
	for i, e := range entries {
		if i > 0 {
			body += ","
		}
		body += e
	}
	body += "]"
	return fmt.Sprintf(`{"entityName":%q,"units":{"shares":%s}}`, entity, body)
}
