package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pre-created instruments.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow
	AuthorizeRequests metric.Int64Counter
	SignIns           metric.Int64Counter
	CodesIssued       metric.Int64Counter
	CodeExchanges     metric.Int64Counter
	TokensIssued      metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	ConsumedCodes            metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	counters := []struct {
		dst   *metric.Int64Counter
		meter metric.Meter
		name  string
		desc  string
	}{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total HTTP requests to OAuth endpoints"},
		{&m.AuthorizeRequests, serverMeter, "oauth.authorize.requests", "Authorization requests by outcome"},
		{&m.SignIns, serverMeter, "oauth.signin.attempts", "Sign-in attempts by outcome"},
		{&m.CodesIssued, serverMeter, "oauth.code.issued", "Authorization codes issued"},
		{&m.CodeExchanges, serverMeter, "oauth.code.exchanges", "Authorization code exchanges by outcome"},
		{&m.TokensIssued, serverMeter, "oauth.token.issued", "Access tokens issued"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Rate limit violations"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.pkce.validation_failed", "PKCE verifier mismatches"},
		{&m.CodeReuseDetected, securityMeter, "oauth.code.reuse_detected", "Single-use codes presented more than once"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Storage operations by result"},
	}
	for _, c := range counters {
		*c.dst, err = c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{count}"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.ConsumedCodes, err = storageMeter.Int64ObservableGauge(
		"storage.consumed_codes",
		metric.WithDescription("Single-use codes currently tracked"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.consumed_codes gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorize records the outcome of an authorization request.
// result is "form" on success or an OAuth error code.
func (m *Metrics) RecordAuthorize(ctx context.Context, clientID, result string) {
	m.AuthorizeRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordSignIn records a sign-in attempt. result is "success",
// "invalid_credentials", "rate_limited" or an OAuth error code.
func (m *Metrics) RecordSignIn(ctx context.Context, result string) {
	m.SignIns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCodeIssued records a sealed code handed to a client
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID, pkceMethod string) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordCodeExchange records a code exchange. result is "success" or a
// failure reason such as "expired".
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, result string) {
	m.CodeExchanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordTokenIssued records a minted access token
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordPKCEValidationFailed records a PKCE mismatch
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordCodeReuseDetected records a replayed single-use code
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation with its result and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
