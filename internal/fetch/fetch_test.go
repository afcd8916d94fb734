package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetClassifiesByContentType(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		switch r.URL.Path {
		case "/data.json":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"a":1}`))
		case "/latin1.txt":
			w.Header().Set("Content-Type", "text/plain; charset=iso-8859-1")
			w.Write([]byte{'c', 'a', 'f', 0xe9})
		case "/image.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte{0x89, 'P', 'N', 'G'})
		}
	}))
	defer srv.Close()

	c := New("agent/1.0", time.Second, nil)
	ctx := context.Background()

	res, err := c.Get(ctx, srv.URL+"/data.json", nil)
	require.NoError(t, err)
	assert.True(t, res.IsText)
	assert.Equal(t, `{"a":1}`, res.Text)
	assert.Equal(t, "agent/1.0", gotUA)

	res, err = c.Get(ctx, srv.URL+"/latin1.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "café", res.Text)

	res, err = c.Get(ctx, srv.URL+"/image.png", http.Header{"User-Agent": {"custom"}})
	require.NoError(t, err)
	assert.False(t, res.IsText)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, res.Bytes())
	assert.Equal(t, "custom", gotUA)
}

func TestGetNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New("", time.Second, nil).Get(context.Background(), srv.URL+"/missing", nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Contains(t, err.Error(), "404 Not Found")
}

func TestPostJSON(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["fail"] == true {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := New("", time.Second, nil)
	require.NoError(t, c.PostJSON(context.Background(), srv.URL, map[string]any{"task": "x"}))
	assert.Equal(t, "x", body["task"])
	assert.Error(t, c.PostJSON(context.Background(), srv.URL, map[string]any{"fail": true}))
}

func TestIsTextContentType(t *testing.T) {
	for ct, want := range map[string]bool{
		"application/json":               true,
		"application/vnd.api+json":       true,
		"text/csv; charset=utf-8":        true,
		"application/javascript":         true,
		"application/xml":                true,
		"image/svg+xml":                  true,
		"application/octet-stream":       false,
		"application/pdf":                false,
		"":                               false,
	} {
		assert.Equal(t, want, IsTextContentType(ct), ct)
	}
}
