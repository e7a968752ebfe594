package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marcospaulo/makeitrain/internal/logger"
)

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = logger.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got == "" {
		t.Fatal("expected a generated request ID in the context")
	}
	if len(got) != 32 {
		t.Errorf("generated ID length = %d, want 32", len(got))
	}
	if rec.Header().Get(headerRequestID) != got {
		t.Errorf("response header = %q, want %q", rec.Header().Get(headerRequestID), got)
	}
}

func TestRequestIDPreservesExisting(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = logger.RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(headerRequestID, "client-supplied-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got != "client-supplied-id" {
		t.Errorf("context request ID = %q, want %q", got, "client-supplied-id")
	}
	if rec.Header().Get(headerRequestID) != "client-supplied-id" {
		t.Errorf("response header = %q, want client-supplied-id", rec.Header().Get(headerRequestID))
	}
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
