package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys. Credentials (tokens, codes, verifiers,
// secrets) are never recorded, only metadata about them.
const (
	AttrPluginID     = "auth.plugin.id"
	AttrOperation    = "auth.operation"
	AttrHookName     = "auth.hook.name"
	AttrShortCircuit = "auth.pipeline.short_circuit"
	AttrErrorCode    = "auth.error.code"

	AttrClientID   = "oauth.client_id"
	AttrUserID     = "oauth.user_id"
	AttrScope      = "oauth.scope"
	AttrPKCEMethod = "oauth.pkce.method"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"

	AttrClientIP = "security.client_ip"
)

func attrStorageType(t string) attribute.KeyValue {
	return attribute.String(AttrStorageType, t)
}

// The helpers below accept the no-op span of an untraced context.

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks span as successful.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError marks span failed without an error value.
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

func setAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil && len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// AddPipelineAttributes records the operation and the plugin owning it.
func AddPipelineAttributes(span trace.Span, operation, pluginID string) {
	setAttributes(span,
		attribute.String(AttrOperation, operation),
		attribute.String(AttrPluginID, pluginID),
	)
}

// AddOAuthFlowAttributes records the non-empty parts of a token grant.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	var attrs []attribute.KeyValue
	for key, val := range map[string]string{AttrClientID: clientID, AttrUserID: userID, AttrScope: scope} {
		if val != "" {
			attrs = append(attrs, attribute.String(key, val))
		}
	}
	setAttributes(span, attrs...)
}

// AddPKCEAttributes records the code challenge method.
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		setAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddProviderAttributes records an upstream provider call.
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	setAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}

// AddClientIPAttribute records the client address. Callers check
// ShouldLogClientIPs first.
func AddClientIPAttribute(span trace.Span, clientIP string) {
	if clientIP != "" {
		setAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
