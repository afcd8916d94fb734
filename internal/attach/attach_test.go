package attach

import (
	"encoding/base64"
	"errors"
	"net/url"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"taskrelay/internal/domain"
	"taskrelay/internal/workspace"
)

func TestDecodeDataURI(t *testing.T) {
	cases := []struct {
		name string
		uri  string
		want string
	}{
		{"base64", "data:text/plain;base64,aGVsbG8=", "hello"},
		{"base64 unpadded", "data:text/plain;base64,aGVsbG8", "hello"},
		{"base64 with params", "data:text/csv;base64;charset=utf-8,YSxi", "a,b"},
		{"percent text", "data:text/plain,hello%20world%21", "hello world!"},
		{"plus kept", "data:,a+b", "a+b"},
		{"empty payload", "data:,", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeDataURI(tc.uri)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestDecodeDataURIErrors(t *testing.T) {
	_, err := DecodeDataURI("https://example.com/a.txt")
	assert.ErrorIs(t, err, ErrNotDataURI)
	_, err = DecodeDataURI("data:text/plain;base64")
	assert.ErrorIs(t, err, ErrDecode)
	_, err = DecodeDataURI("data:text/plain;base64,@@@")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestBase64RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(rt, "data")
		got, err := DecodeDataURI("data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(data))
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if string(got) != string(data) {
			rt.Fatalf("round trip mismatch: %x != %x", got, data)
		}
	})
}

func TestPercentTextRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.String().Draw(rt, "text")
		got, err := DecodeDataURI("data:text/plain," + url.PathEscape(s))
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if string(got) != s {
			rt.Fatalf("round trip mismatch: %q != %q", got, s)
		}
	})
}

func TestMaterializeAllSkipsBadItems(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := workspace.NewWithFs("/", fs, nil)
	files.Protect(".relay", "relay.yml")
	m := Materializer{Files: files}
	written := m.MaterializeAll([]domain.Attachment{
		{Name: "uid.txt", URL: "data:text/plain;base64,MTIz"},
		{Name: "remote.txt", URL: "https://example.com/remote.txt"},
		{Name: "../escape.txt", URL: "data:,x"},
		{Name: "", URL: "data:,x"},
		{Name: ".git/config", URL: "data:,%5Bcore%5D%0A%09fsmonitor%20%3D%20touch%20pwned"},
		{Name: "./.git/hooks/pre-commit", URL: "data:,x"},
		{Name: ".relay/relay.db", URL: "data:,x"},
		{Name: "relay.yml", URL: "data:,secret%3A%20x"},
		{Name: "sub/notes.md", URL: "data:text/markdown,%23%20Title"},
	})
	assert.Equal(t, []string{"uid.txt", "sub/notes.md"}, written)
	for _, name := range []string{".git/config", ".git/hooks/pre-commit", ".relay/relay.db", "relay.yml"} {
		exists, _ := afero.Exists(fs, name)
		assert.False(t, exists, name)
	}
	data, err := afero.ReadFile(fs, "uid.txt")
	require.NoError(t, err)
	assert.Equal(t, "123", string(data))
	exists, _ := afero.Exists(fs, "remote.txt")
	assert.False(t, exists)
}

func TestMaterializeReportsKind(t *testing.T) {
	m := Materializer{Files: workspace.NewWithFs("/", afero.NewMemMapFs(), nil)}
	err := m.Materialize(domain.Attachment{Name: "a", URL: "ftp://x"})
	assert.True(t, errors.Is(err, ErrNotDataURI))
}
