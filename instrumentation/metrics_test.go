package instrumentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	inst, err := New(Config{Enabled: true, MeterProvider: mp})
	require.NoError(t, err)
	return inst, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sum, ok := findMetric(rm, name).(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if len(attrs) == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestRecordFlowMetrics(t *testing.T) {
	inst, reader := newRecordingInstrumentation(t)
	m := inst.Metrics()
	ctx := context.Background()

	m.RecordAuthorize(ctx, "web", "form")
	m.RecordAuthorize(ctx, "web", "invalid_request")
	m.RecordSignIn(ctx, "success")
	m.RecordCodeIssued(ctx, "web", "S256")
	m.RecordCodeExchange(ctx, "web", "success")
	m.RecordCodeExchange(ctx, "web", "expired")
	m.RecordTokenIssued(ctx, "web")

	assert.Equal(t, int64(2), counterValue(t, reader, "oauth.authorize.requests"))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.authorize.requests",
		attribute.String("client_id", "web"), attribute.String("result", "form")))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.signin.attempts"))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.code.issued",
		attribute.String("client_id", "web"), attribute.String("pkce_method", "S256")))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.code.exchanges",
		attribute.String("client_id", "web"), attribute.String("result", "expired")))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.token.issued"))
}

func TestRecordSecurityMetrics(t *testing.T) {
	inst, reader := newRecordingInstrumentation(t)
	m := inst.Metrics()
	ctx := context.Background()

	m.RecordRateLimitExceeded(ctx, "signin")
	m.RecordPKCEValidationFailed(ctx, "plain")
	m.RecordCodeReuseDetected(ctx)
	m.RecordCodeReuseDetected(ctx)

	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.rate_limit.exceeded", attribute.String("limiter_type", "signin")))
	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.pkce.validation_failed", attribute.String("method", "plain")))
	assert.Equal(t, int64(2), counterValue(t, reader, "oauth.code.reuse_detected"))
}

func TestRecordHTTPAndStorage(t *testing.T) {
	inst, reader := newRecordingInstrumentation(t)
	m := inst.Metrics()
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "POST", "/oauth2/token", 200, 3.5)
	m.RecordStorageOperation(ctx, "find_user", "success", 1.2)

	assert.Equal(t, int64(1), counterValue(t, reader, "oauth.http.requests.total",
		attribute.String("method", "POST"), attribute.String("endpoint", "/oauth2/token"), attribute.Int("status", 200)))
	assert.Equal(t, int64(1), counterValue(t, reader, "storage.operation.total",
		attribute.String("operation", "find_user"), attribute.String("result", "success")))
}
