package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if len(id) != 22 {
			t.Fatalf("len(GenerateRequestID()) = %d, want 22", len(id))
		}
		if !requestIDPattern.MatchString(id) {
			t.Fatalf("generated id %q fails validation", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID(empty) = %q, want empty", got)
	}
	ctx = WithRequestID(ctx, "abc-123")
	if got := GetRequestID(ctx); got != "abc-123" {
		t.Errorf("GetRequestID() = %q, want abc-123", got)
	}
}

func TestLoggerFor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerFor(WithRequestID(context.Background(), "req-1"), logger).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("log line %q missing request_id", buf.String())
	}

	buf.Reset()
	LoggerFor(context.Background(), logger).Info("hello")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("log line %q should not carry request_id", buf.String())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantKept bool
	}{
		{name: "no upstream id", upstream: "", wantKept: false},
		{name: "valid upstream id", upstream: "trace-42_ab", wantKept: true},
		{name: "crlf injection", upstream: "abc\r\nSet-Cookie: x=y", wantKept: false},
		{name: "too long", upstream: strings.Repeat("a", 129), wantKept: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest("GET", "/", nil)
			if tt.upstream != "" {
				r.Header.Set(RequestIDHeader, tt.upstream)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			got := w.Header().Get(RequestIDHeader)
			if got != seen {
				t.Errorf("response id %q != context id %q", got, seen)
			}
			if tt.wantKept && got != tt.upstream {
				t.Errorf("id = %q, want upstream %q", got, tt.upstream)
			}
			if !tt.wantKept && (got == tt.upstream || !requestIDPattern.MatchString(got)) {
				t.Errorf("id = %q, want a freshly generated id", got)
			}
		})
	}
}
