// Package instrumentation provides OpenTelemetry instrumentation for mcp-auth.
//
// Every layer (request pipeline, token lifecycle, state stores, security
// utilities) records through one *Instrumentation:
//   - Metrics: counters, histograms and gauges
//   - Traces: spans for pipeline runs, hook executions, token exchanges and
//     storage operations
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:        true,
//		ServiceName:    "my-auth-service",
//		ServiceVersion: "1.0.0",
//		MetricExporter: instrumentation.MetricExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", promhttp.Handler())
//
// With Enabled set to false every provider is a no-op and recording costs
// nothing.
//
// # Available Metrics
//
// HTTP:
//   - auth.http.requests.total{method, endpoint, status}
//   - auth.http.request.duration{endpoint}
//
// Pipeline:
//   - auth.hook.executions{hook, phase, result}
//   - auth.pipeline.short_circuits{hook}
//   - auth.pipeline.errors{operation}
//
// Token lifecycle:
//   - auth.code.exchanged{client_id, pkce_method}
//   - auth.token.refreshed{provider, rotated}
//   - auth.session.created{method}
//   - auth.client.registered{client_type}
//
// Security:
//   - auth.rate_limit.exceeded{limiter_type}
//   - auth.pkce.validation_failed{method, reason}
//   - auth.host.rejected
//   - auth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.flow_states{storage.type}
//
// Provider:
//   - provider.api.calls.total{provider, operation, status}
//   - provider.api.duration{provider, operation}
//   - provider.api.errors.total{provider, operation, error_type}
//
// # Security Considerations
//
// Never record token values, authorization codes, code verifiers or client
// secrets. Client IP addresses are only attached to spans when
// Config.LogClientIPs is set.
package instrumentation
