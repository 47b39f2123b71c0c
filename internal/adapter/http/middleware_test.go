package http_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	tphttp "github.com/taskpilot/taskpilot/internal/adapter/http"
	"github.com/taskpilot/taskpilot/internal/logger"
)

func TestRequestIDGeneratesAndEchoes(t *testing.T) {
	var seen string
	h := tphttp.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = logger.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))

	if seen == "" {
		t.Fatal("no request ID reached the handler context")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Errorf("response header = %q, want %q", got, seen)
	}
}

func TestRequestIDKeepsCallerID(t *testing.T) {
	var seen string
	h := tphttp.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = logger.RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("X-Request-Id", "caller-supplied-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "caller-supplied-7" {
		t.Errorf("request ID = %q, want caller-supplied-7", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "caller-supplied-7" {
		t.Errorf("response header = %q, want caller-supplied-7", got)
	}
}
