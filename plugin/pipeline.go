package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/instrumentation"
)

// State is a step of the request pipeline.
type State string

const (
	StateReceived    State = "RECEIVED"
	StateBeforeHooks State = "BEFORE_HOOKS"
	StateHandler     State = "HANDLER"
	StateAfterHooks  State = "AFTER_HOOKS"
	StateResponded   State = "RESPONDED"
	StateErrored     State = "ERRORED"
)

const tracerScope = "github.com/giantswarm/mcp-auth/plugin"

// Outcome is the result of running one request through the pipeline.
type Outcome struct {
	Result

	// Trace lists the visited states in order; the last one is terminal
	Trace []State

	// ShortCircuitedBy names the before hook that answered the request
	ShortCircuitedBy string
}

// Final returns the terminal state.
func (o *Outcome) Final() State {
	if len(o.Trace) == 0 {
		return ""
	}
	return o.Trace[len(o.Trace)-1]
}

// panicError carries a recovered panic as an error.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}

// Execute runs the endpoint registered under operation for rc.
//
// Before hooks run in order until one answers or fails. A failing before
// hook ends the request in ERRORED and only error-safe after hooks see it.
// Handler failures are converted to error responses and the request
// still ends in RESPONDED. After hooks cannot change the result.
func (c *Composition) Execute(ctx context.Context, operation string, rc *RequestContext) *Outcome {
	out := &Outcome{Trace: []State{StateReceived}}
	rc.Operation = operation
	ac := rc.Auth
	metrics := ac.Metrics()
	logger := rc.Logger()

	ctx, span := c.tracer(ac).Start(ctx, "auth.pipeline",
		trace.WithAttributes(attribute.String(instrumentation.AttrOperation, operation)))
	defer span.End()

	ep, ok := c.endpoints[operation]
	if !ok || !c.initialized {
		out.Err = apierror.NotFound(apierror.CodeNotFound, "endpoint not found")
		out.Trace = append(out.Trace, StateErrored)
		instrumentation.SetSpanError(span, "endpoint not found")
		return out
	}
	instrumentation.AddPipelineAttributes(span, operation, ep.owner)
	if ac != nil && ac.Instrumentation.ShouldLogClientIPs() {
		instrumentation.AddClientIPAttribute(span, rc.ClientIP)
	}

	out.Trace = append(out.Trace, StateBeforeHooks)
	for _, h := range c.before {
		if h.Matcher != nil && !h.Matcher(rc) {
			continue
		}
		var resp *Response
		err := recovered(func() error {
			var err error
			resp, err = h.Handler(ctx, rc)
			return err
		})
		if err != nil {
			metrics.RecordHookExecution(ctx, h.Name, "before", "error")
			metrics.RecordPipelineError(ctx, operation)
			c.logHookError(logger, h.Name, h.plugin, "before", err)
			out.Err = apierror.From(err)
			out.Trace = append(out.Trace, StateAfterHooks)
			c.runAfter(ctx, rc, out.Result, true)
			out.Trace = append(out.Trace, StateErrored)
			span.SetAttributes(attribute.String(instrumentation.AttrErrorCode, out.Err.Code))
			instrumentation.SetSpanError(span, "before hook failed")
			return out
		}
		if resp != nil {
			metrics.RecordHookExecution(ctx, h.Name, "before", "short_circuit")
			metrics.RecordShortCircuit(ctx, h.Name)
			out.Response = resp
			out.ShortCircuited = true
			out.ShortCircuitedBy = h.Name
			span.SetAttributes(attribute.Bool(instrumentation.AttrShortCircuit, true),
				attribute.String(instrumentation.AttrHookName, h.Name))
			break
		}
		metrics.RecordHookExecution(ctx, h.Name, "before", "ok")
	}

	if !out.ShortCircuited {
		out.Trace = append(out.Trace, StateHandler)
		resp, err := c.runHandler(ctx, ep, rc)
		if err != nil {
			out.Err = apierror.From(err)
			metrics.RecordPipelineError(ctx, operation)
			if out.Err.Status >= http.StatusInternalServerError {
				logger.Error("Endpoint handler failed",
					"operation", operation,
					"plugin", ep.owner,
					"error", err)
				var pe *panicError
				if errors.As(err, &pe) {
					logger.Debug("Handler panic stack", "stack", string(pe.stack))
				}
			}
			span.SetAttributes(attribute.String(instrumentation.AttrErrorCode, out.Err.Code))
		} else {
			if resp == nil {
				resp = &Response{Status: http.StatusOK}
			}
			out.Response = resp
		}
	}

	out.Trace = append(out.Trace, StateAfterHooks)
	c.runAfter(ctx, rc, out.Result, false)
	out.Trace = append(out.Trace, StateResponded)
	instrumentation.SetSpanSuccess(span)
	return out
}

func (c *Composition) runHandler(ctx context.Context, ep *Endpoint, rc *RequestContext) (*Response, error) {
	if ep.RequireSession && rc.Session == nil {
		if err := resolveSession(ctx, rc); err != nil {
			return nil, err
		}
		if rc.Session == nil {
			return nil, apierror.Unauthorized(apierror.CodeUnauthorized, "unauthorized")
		}
	}
	if apiErr := ep.input.validate(rc.Input, rc.form); apiErr != nil {
		return nil, apiErr
	}

	var resp *Response
	err := recovered(func() error {
		var err error
		resp, err = ep.Handler(ctx, rc)
		return err
	})
	return resp, err
}

// resolveSession loads the session named by the request's cookie or
// bearer token into rc. A missing session is not an error.
func resolveSession(ctx context.Context, rc *RequestContext) error {
	if rc.Auth == nil || rc.Auth.Internal == nil || rc.Request == nil {
		return nil
	}
	tok := rc.Auth.Cookies.TokenFromRequest(rc.Request)
	if tok == "" {
		return nil
	}
	s, u, err := rc.Auth.Internal.FindSession(ctx, tok)
	if err != nil {
		return err
	}
	rc.Session, rc.User = s, u
	return nil
}

// ResolveSession is resolveSession for handlers of endpoints that treat
// the session as optional.
func ResolveSession(ctx context.Context, rc *RequestContext) error {
	if rc.Session != nil {
		return nil
	}
	return resolveSession(ctx, rc)
}

func (c *Composition) runAfter(ctx context.Context, rc *RequestContext, result Result, errorSafeOnly bool) {
	metrics := rc.Auth.Metrics()
	logger := rc.Logger()
	for _, h := range c.after {
		if errorSafeOnly && !h.ErrorSafe {
			continue
		}
		if h.Matcher != nil && !h.Matcher(rc) {
			continue
		}
		snapshot := result
		snapshot.Response = result.Response.Clone()
		if result.Err != nil {
			e := *result.Err
			snapshot.Err = &e
		}

		start := time.Now()
		err := recovered(func() error { return h.Handler(ctx, rc, snapshot) })
		if err != nil {
			metrics.RecordHookExecution(ctx, h.Name, "after", "error")
			c.logHookError(logger, h.Name, h.plugin, "after", err)
			continue
		}
		metrics.RecordHookExecution(ctx, h.Name, "after", "ok")
		logger.Debug("After hook completed",
			"hook", h.Name,
			"duration_ms", float64(time.Since(start).Microseconds())/1000)
	}
}

func (c *Composition) logHookError(logger *slog.Logger, name, pluginID, phase string, err error) {
	logger.Warn("Hook failed",
		"hook", name,
		"plugin", pluginID,
		"phase", phase,
		"error", err)
}

func (c *Composition) tracer(ac *AuthContext) trace.Tracer {
	if ac == nil || ac.Instrumentation == nil {
		return noop.NewTracerProvider().Tracer(tracerScope)
	}
	return ac.Instrumentation.Tracer(tracerScope)
}
