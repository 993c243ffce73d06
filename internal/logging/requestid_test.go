package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if len(id) != 8 {
		t.Errorf("GenerateRequestID() length = %d, want 8", len(id))
	}
	if id == GenerateRequestID() {
		t.Errorf("GenerateRequestID() generated duplicate IDs: %s", id)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID(empty context) = %q, want empty", got)
	}

	ctx = WithRequestID(ctx, "test1234")
	if got := GetRequestID(ctx); got != "test1234" {
		t.Errorf("GetRequestID() = %q, want %q", got, "test1234")
	}
}

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var inHandler string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if len(inHandler) != 8 {
		t.Errorf("handler saw request id %q, want generated 8-char id", inHandler)
	}
	if echoed := rec.Header().Get("X-Request-Id"); echoed != inHandler {
		t.Errorf("response header %q does not match context id %q", echoed, inHandler)
	}
}

func TestRequestIDMiddlewareHonorsCaller(t *testing.T) {
	var inHandler string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "caller-id-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if inHandler != "caller-id-42" {
		t.Errorf("handler saw %q, want the caller-supplied id", inHandler)
	}
	if echoed := rec.Header().Get("X-Request-Id"); echoed != "caller-id-42" {
		t.Errorf("response header = %q, want caller id echoed", echoed)
	}
}
