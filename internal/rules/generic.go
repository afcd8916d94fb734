package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskrelay/internal/domain"
	"taskrelay/internal/fetch"
)

// MaxFilenameLength is the longest URL-derived name kept as-is.
const MaxFilenameLength = 60

// GenericRule fetches every URL in the brief and saves each body under a
// name derived from the URL. Per-URL failures are logged and skipped.
type GenericRule struct {
	Fetcher     fetch.Fetcher
	Files       Files
	Log         *zap.Logger
	Parallelism int
	Now         func() time.Time
}

func (r *GenericRule) Name() string { return "generic" }

func (r *GenericRule) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

func (r *GenericRule) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *GenericRule) Apply(ctx context.Context, task domain.Task) (Outcome, error) {
	log := r.logger()
	urls := ExtractURLs(task.Brief)
	results := make([]*fetch.Result, len(urls))

	// Fetches run concurrently; writes happen afterwards in brief order so
	// colliding names resolve the same way every time.
	g, gctx := errgroup.WithContext(ctx)
	limit := r.Parallelism
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			res, err := r.Fetcher.Get(gctx, u, nil)
			if err != nil {
				log.Warn("fetch failed", zap.String("url", u), zap.Error(err))
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	_ = g.Wait()

	out := Outcome{Saved: []string{}}
	for i, u := range urls {
		res := results[i]
		if res == nil {
			continue
		}
		name := FilenameFor(u, r.now())
		if err := r.Files.WriteFile(name, res.Bytes()); err != nil {
			log.Warn("save failed", zap.String("url", u), zap.String("name", name), zap.Error(err))
			continue
		}
		out.Files = append(out.Files, domain.SavedFile{URL: u, Name: name})
		out.Saved = append(out.Saved, name)
	}

	if r.Files.Exists(DataFile) {
		if err := r.renderDataViewer(); err != nil {
			log.Debug("data viewer not rendered", zap.Error(err))
		} else {
			out.Created = append(out.Created, IndexFile)
		}
	}
	return out, nil
}

func (r *GenericRule) renderDataViewer() error {
	raw, err := r.Files.ReadFile(DataFile)
	if err != nil {
		return err
	}
	page, err := RenderDataViewer(raw)
	if err != nil {
		return err
	}
	return r.Files.WriteFile(IndexFile, page)
}

var nonWord = regexp.MustCompile(`\W+`)

// FilenameFor derives a file name from the last path segment of rawURL.
// Empty, unsafe or overlong segments fall back to <host>-<unix millis>.txt.
func FilenameFor(rawURL string, now time.Time) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallbackName("", now)
	}
	p := strings.TrimRight(u.EscapedPath(), "/")
	name, err := url.PathUnescape(p[strings.LastIndex(p, "/")+1:])
	if err != nil || name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || utf8.RuneCountInString(name) > MaxFilenameLength {
		return fallbackName(u.Hostname(), now)
	}
	return name
}

func fallbackName(host string, now time.Time) string {
	return fmt.Sprintf("%s-%d.txt", nonWord.ReplaceAllString(host, "-"), now.UnixMilli())
}

var dataViewerTemplate = template.Must(template.New("data-viewer").Parse(
	`<!doctype html><html><head><meta charset="utf-8"><title>{{.Title}}</title></head><body><pre id="data">{{.JSON}}</pre></body></html>`))

// RenderDataViewer renders a preformatted page for a JSON document. It
// fails when raw is not JSON.
func RenderDataViewer(raw []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, DataFile, err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace(raw), "", "  "); err != nil {
		return nil, err
	}
	title := "Data"
	if m, ok := doc.(map[string]any); ok {
		for _, key := range []string{"entityName", "title"} {
			if s := viewerTitle(m[key]); s != "" {
				title = s
				break
			}
		}
	}
	var buf bytes.Buffer
	if err := dataViewerTemplate.Execute(&buf, struct {
		Title string
		JSON  string
	}{title, pretty.String()}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func viewerTitle(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t != 0 {
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}
