// Package instrumentation wires OpenTelemetry metrics and traces into the
// authorization server.
//
// With the zero Config every provider is a no-op. Enabling it builds the SDK
// meter and tracer providers; Prometheus additionally attaches a Prometheus
// exporter whose output MetricsHandler serves:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName: "authserver",
//		Enabled:     true,
//		Prometheus:  true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Flow:
//   - oauth.authorize.requests{client_id, result}
//   - oauth.signin.attempts{result}
//   - oauth.code.issued{client_id, pkce_method}
//   - oauth.code.exchanges{client_id, result}
//   - oauth.token.issued{client_id}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.consumed_codes
//
// Authorization codes, access tokens, verifiers and passwords are never
// recorded on spans or metrics.
package instrumentation
