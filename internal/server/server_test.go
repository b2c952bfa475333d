package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/driftline/driftline/internal/llm"
)

type fakePools struct {
	status map[string][]llm.EndpointStatus
}

func (f *fakePools) Status() map[string][]llm.EndpointStatus { return f.status }

func TestRootLiveness(t *testing.T) {
	srv := NewServer("127.0.0.1", 8080, &fakePools{})

	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "driftline") {
		t.Errorf("body = %q, want liveness message", rec.Body.String())
	}
}

func TestRootRejectsUnknownPath(t *testing.T) {
	srv := NewServer("127.0.0.1", 8080, &fakePools{})

	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := NewServer("127.0.0.1", 8080, nil)

	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestPoolsStatus(t *testing.T) {
	pools := &fakePools{status: map[string][]llm.EndpointStatus{
		"default": {{Name: "openai/gpt-4o", Healthy: true}},
	}}
	srv := NewServer("127.0.0.1", 8080, pools)

	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/pools", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string][]llm.EndpointStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	eps := body["default"]
	if len(eps) != 1 || eps[0].Name != "openai/gpt-4o" || !eps[0].Healthy {
		t.Errorf("pools = %+v, want single healthy openai/gpt-4o", body)
	}
}
