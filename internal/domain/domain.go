package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Task is the inbound unit of work posted to /api-endpoint.
type Task struct {
	Secret        string       `json:"secret"`
	Task          string       `json:"task,omitempty"`
	Brief         string       `json:"brief,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	Checks        []string     `json:"checks,omitempty"`
	Round         int          `json:"round,omitempty"`
	Nonce         string       `json:"nonce,omitempty"`
	Email         string       `json:"email,omitempty"`
	EvaluationURL string       `json:"evaluation_url,omitempty"`
}

// UnmarshalJSON accepts round and nonce as JSON strings or numbers. A round
// that is not an integer decodes to 0.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	var aux struct {
		*plain
		Round json.RawMessage `json:"round"`
		Nonce json.RawMessage `json:"nonce"`
	}
	aux.plain = (*plain)(t)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Round = looseInt(aux.Round)
	t.Nonce = looseString(aux.Nonce)
	return nil
}

func looseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func looseInt(raw json.RawMessage) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(looseString(raw)), 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0
	}
	return int(f)
}

// Attachment names a relative file path and a data URI holding its content.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type ExtractedEntry struct {
	Val float64 `json:"val"`
	FY  string  `json:"fy"`
}

type ExtremaResult struct {
	EntityName string         `json:"entityName"`
	Max        ExtractedEntry `json:"max"`
	Min        ExtractedEntry `json:"min"`
}

// SavedFile records one URL fetched by the generic rule.
type SavedFile struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type CommitOutcome struct {
	CommitSHA string  `json:"commit_sha"`
	RepoURL   *string `json:"repo_url"`
	PagesURL  string  `json:"pages_url"`
}

// ResponsePayload is both the HTTP response record and the callback body.
type ResponsePayload struct {
	Email     string  `json:"email"`
	Task      string  `json:"task"`
	Round     int     `json:"round"`
	Nonce     string  `json:"nonce"`
	RepoURL   *string `json:"repo_url"`
	CommitSHA string  `json:"commit_sha"`
	PagesURL  string  `json:"pages_url"`
}

type Meta struct {
	Created []string `json:"created"`
	Saved   []string `json:"saved"`
}

const (
	RunStatusRunning       = "running"
	RunStatusPublished     = "published"
	RunStatusFailed        = "failed"
	RunStatusPublishFailed = "publish_failed"
)

// Run is one authenticated pipeline execution as recorded in the run log.
type Run struct {
	ID         string  `json:"id"`
	Task       string  `json:"task"`
	Nonce      string  `json:"nonce,omitempty"`
	Round      int     `json:"round"`
	Rule       string  `json:"rule,omitempty"`
	Status     string  `json:"status" enum:"running,published,failed,publish_failed"`
	CommitSHA  *string `json:"commit_sha,omitempty"`
	Error      *string `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Payload string `json:"payload_json"`
}
