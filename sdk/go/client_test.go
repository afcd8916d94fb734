package relaysdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var task Task
		_ = json.NewDecoder(r.Body).Decode(&task)
		w.Header().Set("Content-Type", "application/json")
		switch task.Secret {
		case "ok":
			w.Write([]byte(`{"ok":true,"meta":{"created":["LICENSE"],"saved":[]},"response":{"task":"t","round":1,"commit_sha":"abc","pages_url":"https://o.github.io/r/","repo_url":null}}`))
		case "push":
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"Repo push failed","details":"rejected"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Invalid secret"}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	res, err := c.Submit(context.Background(), Task{Secret: "ok", Task: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.OK || res.Response.CommitSHA != "abc" || res.Meta.Created[0] != "LICENSE" || res.Response.RepoURL != nil {
		t.Fatalf("unexpected result: %+v", res)
	}

	_, err = c.Submit(context.Background(), Task{Secret: "bad"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Invalid secret" {
		t.Fatalf("expected unauthorized api error, got %v", err)
	}
	_, err = c.Submit(context.Background(), Task{Secret: "push"})
	if !errors.As(err, &apiErr) || apiErr.Details != "rejected" {
		t.Fatalf("expected push failure details, got %v", err)
	}
}

func TestAdminCallsSendBearerToken(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		paths = append(paths, r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/runs":
			w.Write([]byte(`{"items":[{"id":"r1","task":"t","round":1,"status":"published","created_at":"2025-01-01T00:00:00Z"}]}`))
		case "/v0/runs/r1":
			w.Write([]byte(`{"id":"r1","task":"t","round":1,"status":"published","created_at":"2025-01-01T00:00:00Z"}`))
		case "/v0/events":
			w.Write([]byte(`{"items":[{"id":3,"type":"run.published","run_id":"r1","payload":{"status":"published"}}],"next_cursor":"3"}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	ctx := context.Background()
	runs, err := c.Runs(ctx, "published", 5)
	if err != nil || len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("runs: %v %+v", err, runs)
	}
	run, err := c.Run(ctx, "r1")
	if err != nil || run.Status != "published" {
		t.Fatalf("run: %v %+v", err, run)
	}
	page, err := c.EventsPage(ctx, 1, "9")
	if err != nil || page.NextCursor != "3" || page.Items[0].Payload["status"] != "published" {
		t.Fatalf("events: %v %+v", err, page)
	}
	want := []string{"/v0/runs?limit=5&status=published", "/v0/runs/r1", "/v0/events?cursor=9&limit=1"}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("request %d: got %s want %s", i, paths[i], p)
		}
	}
}
