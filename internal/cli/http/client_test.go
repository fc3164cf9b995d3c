package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/run" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Language != "python" || req.Code != "print(1)" || req.JobID != "j1" {
			t.Errorf("unexpected body: %+v", req)
		}
		_, _ = w.Write([]byte(`{"jobId":"j1","state":"Completed","stdout":"1\n","stderr":"","exitCode":0}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, func() string { return "tok" })
	res, err := c.Run(context.Background(), RunRequest{Language: "python", Code: "print(1)", JobID: "j1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stdout != "1\n" || res.ExitCode == nil || *res.ExitCode != 0 || res.State != "Completed" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":13100,"message":"execution queue is full","trace_id":"t1"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, nil).Run(context.Background(), RunRequest{Language: "python", Code: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Code != 13100 || apiErr.TraceID != "t1" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestCancel(t *testing.T) {
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/run/j1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	for _, s := range []int{http.StatusNoContent, http.StatusNotFound} {
		status = s
		if err := c.Cancel(context.Background(), "j1"); err != nil {
			t.Fatalf("status %d: %v", s, err)
		}
	}
	status = http.StatusUnauthorized
	if err := c.Cancel(context.Background(), "j1"); err == nil {
		t.Fatalf("expected error on 401")
	}
}
