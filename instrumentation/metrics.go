package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Pipeline Metrics
	HookExecutions        metric.Int64Counter
	PipelineShortCircuits metric.Int64Counter
	PipelineErrors        metric.Int64Counter

	// OAuth Flow Metrics
	CodeExchanged    metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	SessionCreated   metric.Int64Counter
	ClientRegistered metric.Int64Counter

	// Security Metrics
	RateLimitExceeded       metric.Int64Counter
	PKCEValidationFailed    metric.Int64Counter
	HostRejected            metric.Int64Counter
	RateLimitActiveLimiters metric.Int64ObservableGauge

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageFlowStates        metric.Int64ObservableGauge

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Discovery Metrics
	DiscoveryCacheLookups metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

type instrumentSet struct {
	meter metric.Meter
	err   error
}

func (s *instrumentSet) counter(name, desc, unit string) metric.Int64Counter {
	if s.err != nil {
		return nil
	}
	c, err := s.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		s.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (s *instrumentSet) histogram(name, desc string) metric.Float64Histogram {
	if s.err != nil {
		return nil
	}
	h, err := s.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil {
		s.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

func (s *instrumentSet) gauge(name, desc, unit string) metric.Int64ObservableGauge {
	if s.err != nil {
		return nil
	}
	g, err := s.meter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		s.err = fmt.Errorf("failed to create %s gauge: %w", name, err)
	}
	return g
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	http := &instrumentSet{meter: inst.Meter("http")}
	m.HTTPRequestsTotal = http.counter("auth.http.requests.total", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = http.histogram("auth.http.request.duration", "HTTP request duration in milliseconds")

	pipeline := &instrumentSet{meter: inst.Meter("pipeline")}
	m.HookExecutions = pipeline.counter("auth.hook.executions", "Number of before/after hook executions", "{execution}")
	m.PipelineShortCircuits = pipeline.counter("auth.pipeline.short_circuits", "Number of requests answered by a before hook", "{request}")
	m.PipelineErrors = pipeline.counter("auth.pipeline.errors", "Number of requests that ended in the errored state", "{request}")

	flows := &instrumentSet{meter: inst.Meter("token")}
	m.CodeExchanged = flows.counter("auth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}")
	m.TokenRefreshed = flows.counter("auth.token.refreshed", "Number of token refresh exchanges", "{refresh}")
	m.SessionCreated = flows.counter("auth.session.created", "Number of sessions created", "{session}")
	m.ClientRegistered = flows.counter("auth.client.registered", "Number of OAuth clients registered", "{client}")

	security := &instrumentSet{meter: inst.Meter("security")}
	m.RateLimitExceeded = security.counter("auth.rate_limit.exceeded", "Number of rate limit violations", "{violation}")
	m.PKCEValidationFailed = security.counter("auth.pkce.validation_failed", "Number of PKCE or state validation failures", "{failure}")
	m.HostRejected = security.counter("auth.host.rejected", "Number of requests rejected by the host allow-list", "{request}")
	m.RateLimitActiveLimiters = security.gauge("auth.rate_limit.active_limiters", "Number of tracked rate limiters", "{limiter}")
	m.AuditEventsTotal = security.counter("auth.audit.events.total", "Total number of audit events", "{event}")
	m.EncryptionOperationsTotal = security.counter("auth.encryption.operations.total", "Total number of encryption/decryption operations", "{operation}")
	m.EncryptionDuration = security.histogram("auth.encryption.duration", "Encryption/decryption operation duration in milliseconds")

	storage := &instrumentSet{meter: inst.Meter("storage")}
	m.StorageOperationTotal = storage.counter("storage.operation.total", "Total number of storage operations", "{operation}")
	m.StorageOperationDuration = storage.histogram("storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageFlowStates = storage.gauge("storage.flow_states", "Number of pending OAuth flow states", "{state}")

	provider := &instrumentSet{meter: inst.Meter("provider")}
	m.ProviderAPICallsTotal = provider.counter("provider.api.calls.total", "Total number of provider API calls", "{call}")
	m.ProviderAPIDuration = provider.histogram("provider.api.duration", "Provider API call duration in milliseconds")
	m.ProviderAPIErrors = provider.counter("provider.api.errors.total", "Total number of provider API errors", "{error}")

	discovery := &instrumentSet{meter: inst.Meter("discovery")}
	m.DiscoveryCacheLookups = discovery.counter("discovery.cache.lookups", "Metadata cache lookups by result", "{lookup}")

	for _, s := range []*instrumentSet{http, pipeline, flows, security, storage, provider, discovery} {
		if s.err != nil {
			return nil, s.err
		}
	}
	return m, nil
}

// Helper methods for common metric recording patterns. All of them are
// safe to call on a nil *Metrics.

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordHookExecution records one before/after hook run. result is one of
// "continue", "short_circuit", "error".
func (m *Metrics) RecordHookExecution(ctx context.Context, hook, phase, result string) {
	if m == nil {
		return
	}
	m.HookExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hook", hook),
		attribute.String("phase", phase),
		attribute.String("result", result),
	))
}

// RecordShortCircuit records a request answered by a before hook
func (m *Metrics) RecordShortCircuit(ctx context.Context, hook string) {
	if m == nil {
		return
	}
	m.PipelineShortCircuits.Add(ctx, 1, metric.WithAttributes(attribute.String("hook", hook)))
}

// RecordPipelineError records a request that ended in the errored state
func (m *Metrics) RecordPipelineError(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordCodeExchange records an authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a token refresh exchange
func (m *Metrics) RecordTokenRefresh(ctx context.Context, provider string, rotated bool) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("rotated", rotated),
	))
}

// RecordSessionCreated records a new session
func (m *Metrics) RecordSessionCreated(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.SessionCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("client_type", clientType)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordPKCEValidationFailed records a PKCE or state validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method, reason string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("reason", reason),
	))
}

// RecordHostRejected records a request rejected by the host allow-list
func (m *Metrics) RecordHostRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.HostRejected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	if m == nil {
		return
	}
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "transport_error"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordDiscoveryLookup records a metadata cache lookup ("hit", "miss", "error")
func (m *Metrics) RecordDiscoveryLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.DiscoveryCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	if m == nil {
		return
	}
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}
