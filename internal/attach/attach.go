// Package attach writes task attachments carried as data URIs to disk.
package attach

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"taskrelay/internal/domain"
)

var (
	ErrNotDataURI = errors.New("not a data: URI")
	ErrDecode     = errors.New("data URI decode failed")
)

// Writer is the file primitive attachments land on.
type Writer interface {
	WriteFile(name string, data []byte) error
}

type Materializer struct {
	Files Writer
	Log   *zap.Logger
}

func (m Materializer) logger() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

// Materialize decodes one attachment and writes it under its name.
func (m Materializer) Materialize(att domain.Attachment) error {
	if strings.TrimSpace(att.Name) == "" || att.URL == "" {
		return fmt.Errorf("%w: attachment needs name and url", ErrDecode)
	}
	data, err := DecodeDataURI(att.URL)
	if err != nil {
		return err
	}
	return m.Files.WriteFile(att.Name, data)
}

// MaterializeAll writes every attachment in order. Failures are logged and
// skipped; the names actually written are returned.
func (m Materializer) MaterializeAll(atts []domain.Attachment) []string {
	log := m.logger()
	var written []string
	for _, att := range atts {
		if err := m.Materialize(att); err != nil {
			if errors.Is(err, ErrNotDataURI) {
				log.Warn("attachment is not a data URI; skipping", zap.String("name", att.Name))
			} else {
				log.Warn("failed to save attachment", zap.String("name", att.Name), zap.Error(err))
			}
			continue
		}
		written = append(written, att.Name)
	}
	return written
}

// DecodeDataURI returns the payload bytes of a data: URI. Base64 payloads are
// decoded as such; anything else is percent-decoded text.
func DecodeDataURI(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, "data:") {
		return nil, ErrNotDataURI
	}
	rest := uri[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("%w: missing comma", ErrDecode)
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if isBase64(meta) {
		data, err := decodeBase64(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return data, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return []byte(text), nil
}

func isBase64(meta string) bool {
	return strings.HasSuffix(meta, ";base64") || strings.Contains(meta, ";base64;") || strings.Contains(meta, "+base64")
}

// decodeBase64 accepts padded or unpadded input in either alphabet and
// ignores embedded whitespace.
func decodeBase64(payload string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)
	cleaned = strings.TrimRight(cleaned, "=")
	if strings.ContainsAny(cleaned, "-_") {
		return base64.RawURLEncoding.DecodeString(cleaned)
	}
	return base64.RawStdEncoding.DecodeString(cleaned)
}
