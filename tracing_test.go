package oauth

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sentaku/authserver/instrumentation"
)

func newTracedFixture(t *testing.T, logClientIPs bool) (*fixture, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		TracerProvider: tp,
		LogClientIPs:   logClientIPs,
	})
	require.NoError(t, err)

	f := newFixture(t, func(c *Config, _ *Dependencies) { c.Instrumentation = inst })
	return f, rec
}

func endedSpan(t *testing.T, rec *tracetest.SpanRecorder, name string) map[attribute.Key]attribute.Value {
	t.Helper()
	for _, s := range rec.Ended() {
		if s.Name() == name {
			attrs := make(map[attribute.Key]attribute.Value)
			for _, kv := range s.Attributes() {
				attrs[kv.Key] = kv.Value
			}
			return attrs
		}
	}
	t.Fatalf("no ended span named %q", name)
	return nil
}

func postBadCode(t *testing.T, f *fixture) {
	t.Helper()
	ts := newTestHTTPServer(t, f)
	resp, err := http.PostForm(ts.URL+TokenPath, url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {"app1"},
		"redirect_uri": {app1Redirect},
		"code":         {"!!!"},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTracing_TokenFailureAttributes(t *testing.T) {
	f, rec := newTracedFixture(t, true)
	postBadCode(t, f)

	httpSpan := endedSpan(t, rec, "http.token")
	assert.Equal(t, int64(http.StatusBadRequest), httpSpan[instrumentation.AttrHTTPStatusCode].AsInt64())
	assert.Equal(t, "token", httpSpan[instrumentation.AttrHTTPEndpoint].AsString())
	assert.Equal(t, ErrorCodeInvalidGrant, httpSpan[instrumentation.AttrError].AsString())

	tokenSpan := endedSpan(t, rec, "oauth.token")
	assert.Equal(t, ErrorCodeInvalidGrant, tokenSpan[instrumentation.AttrError].AsString())
	assert.Equal(t, "authorization code is invalid", tokenSpan[instrumentation.AttrErrorDescription].AsString())
	assert.Equal(t, "127.0.0.1", tokenSpan[instrumentation.AttrClientIP].AsString())
}

func TestTracing_ClientIPOmittedByDefault(t *testing.T) {
	f, rec := newTracedFixture(t, false)
	postBadCode(t, f)

	tokenSpan := endedSpan(t, rec, "oauth.token")
	_, ok := tokenSpan[instrumentation.AttrClientIP]
	assert.False(t, ok)
}

func TestTracing_AuthorizeClientIP(t *testing.T) {
	f, rec := newTracedFixture(t, true)

	req := validAuthRequest()
	req.ClientIP = "203.0.113.7"
	_, err := f.server.Authorize(context.Background(), req)
	require.NoError(t, err)

	span := endedSpan(t, rec, "oauth.authorize")
	assert.Equal(t, "203.0.113.7", span[instrumentation.AttrClientIP].AsString())
}
