package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/server"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/store"
)

func TestTriggerDecodesRun(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/agents/scanner/trigger" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req server.TriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt != "go" {
			t.Errorf("body = %+v, %v", req, err)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(server.TriggerResponse{Run: &store.RunLog{RunID: "r1", AgentName: "scanner"}})
	}))
	defer ts.Close()

	run, queued, err := New(ts.URL).Trigger(context.Background(), "scanner", server.TriggerRequest{Prompt: "go"})
	if err != nil || queued || run.RunID != "r1" {
		t.Fatalf("Trigger = %+v, %v, %v", run, queued, err)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"agent scanner (run r1): already running"}`))
	}))
	defer ts.Close()

	_, _, err := New(ts.URL).Trigger(context.Background(), "scanner", server.TriggerRequest{})
	if !IsStatus(err, http.StatusConflict) {
		t.Fatalf("err = %v, want 409", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "agent scanner (run r1): already running" {
		t.Fatalf("message = %v", err)
	}
}

func TestUnavailableDaemon(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.Listener.Addr().String()
	ts.Close()

	if _, err := New(addr).Health(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestNewNormalizesBaseURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"127.0.0.1:7420", "http://127.0.0.1:7420"},
		{"http://host:1/", "http://host:1"},
		{" https://nolan.local ", "https://nolan.local"},
	}
	for _, tt := range tests {
		if got := New(tt.in).BaseURL; got != tt.want {
			t.Errorf("New(%q).BaseURL = %q, want %q", tt.in, got, tt.want)
		}
	}
}
