package server

import (
	"encoding/json"

	"taskrelay/internal/domain"
)

// Response payloads

type RunResponse struct {
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

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

type runList struct {
	Items []RunResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func mapRuns(items []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, RunResponse(r))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		RunID:   e.RunID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
