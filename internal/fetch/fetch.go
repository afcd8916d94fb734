// Package fetch retrieves remote content and posts JSON to remote endpoints.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 64 << 20
)

// StatusError is returned when the remote answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch failed %d %s for %s", e.StatusCode, strings.TrimSpace(strings.TrimPrefix(e.Status, fmt.Sprint(e.StatusCode))), e.URL)
}

// Result is a fetched body classified by its declared content type.
type Result struct {
	ContentType string
	IsText      bool
	Text        string
	Body        []byte
}

// Bytes returns the payload regardless of classification.
func (r Result) Bytes() []byte {
	if r.IsText {
		return []byte(r.Text)
	}
	return r.Body
}

// Fetcher is the capability rules depend on.
type Fetcher interface {
	Get(ctx context.Context, url string, header http.Header) (Result, error)
}

type Client struct {
	HTTP      *http.Client
	UserAgent string
	Log       *zap.Logger
}

// New returns a Client whose requests are bounded by timeout.
func New(userAgent string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		HTTP:      &http.Client{Timeout: timeout},
		UserAgent: userAgent,
		Log:       log,
	}
}

func (c *Client) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

func (c *Client) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: defaultTimeout}
}

// Get issues a single GET. A User-Agent is added unless header carries one.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (Result, error) {
	c.logger().Info("fetching", zap.String("url", url))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request for %s: %w", url, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" && c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	res, err := c.client().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return Result{}, &StatusError{URL: url, StatusCode: res.StatusCode, Status: res.Status}
	}
	ct := res.Header.Get("Content-Type")
	out := Result{ContentType: ct, IsText: IsTextContentType(ct)}
	body := io.LimitReader(res.Body, maxBodyBytes)
	if out.IsText {
		reader, err := charset.NewReader(body, ct)
		if err != nil {
			return Result{}, fmt.Errorf("decode %s: %w", url, err)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", url, err)
		}
		out.Text = string(data)
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", url, err)
		}
		out.Body = data
	}
	c.logger().Debug("fetched",
		zap.String("url", url),
		zap.String("content_type", ct),
		zap.Bool("text", out.IsText),
		zap.String("size", humanize.Bytes(uint64(len(out.Bytes())))))
	return out, nil
}

// PostJSON sends v as a JSON body and fails on transport errors or non-2xx.
func (c *Client) PostJSON(ctx context.Context, url string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	res, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// IsTextContentType reports whether a body of this type is decoded as text:
// JSON, any text/*, scripts and XML.
func IsTextContentType(ct string) bool {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "json"),
		strings.Contains(ct, "text/"),
		strings.Contains(ct, "javascript"),
		strings.Contains(ct, "ecmascript"),
		strings.Contains(ct, "xml"):
		return true
	}
	return false
}
