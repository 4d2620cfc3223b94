// Package audit records the outcome of every request as a security audit
// event. Its after hook is error-safe, so requests rejected by a before
// hook (rate limiting, validation) are recorded too.
package audit

import (
	"context"
	"net/http"
	"slices"

	"github.com/giantswarm/mcp-auth/internal/util"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/security"
)

// ID is the plugin ID.
const ID = "audit"

// Config configures the plugin.
type Config struct {
	// IncludeSuccess also records successful requests as
	// request_completed events
	IncludeSuccess bool

	// Operations restricts auditing to these operation names
	// (default: every operation)
	Operations []string

	// Sink receives every event in addition to the audit log, e.g. to
	// forward it to a SIEM
	Sink func(ctx context.Context, event security.Event)
}

// Plugin implements request auditing.
type Plugin struct {
	config  Config
	auditor *security.Auditor
}

var (
	_ plugin.HookContributor      = (*Plugin)(nil)
	_ plugin.LifecycleContributor = (*Plugin)(nil)
)

// New creates the plugin.
func New(cfg Config) *Plugin {
	return &Plugin{config: cfg}
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// Init uses the instance auditor, or an enabled one of its own when
// audit logging is switched off for the instance.
func (p *Plugin) Init(_ context.Context, ac *plugin.AuthContext) (*plugin.InitResult, error) {
	p.auditor = ac.Auditor
	if !p.auditor.Enabled() {
		p.auditor = security.NewAuditor(ac.Logger, true)
		p.auditor.SetInstrumentation(ac.Instrumentation)
	}
	return nil, nil
}

// Hooks implements plugin.HookContributor.
func (p *Plugin) Hooks() plugin.Hooks {
	return plugin.Hooks{
		After: []plugin.AfterHook{{
			Name:      "auditRequest",
			Matcher:   p.matches,
			ErrorSafe: true,
			Handler:   p.record,
		}},
	}
}

func (p *Plugin) matches(rc *plugin.RequestContext) bool {
	return len(p.config.Operations) == 0 || slices.Contains(p.config.Operations, rc.Operation)
}

func (p *Plugin) record(ctx context.Context, rc *plugin.RequestContext, result plugin.Result) error {
	status := http.StatusOK
	details := map[string]any{
		"operation": rc.Operation,
		"method":    rc.Method,
		"path":      rc.Path,
	}
	switch {
	case result.Err != nil:
		status = result.Err.Status
		details["code"] = result.Err.Code
	case result.Response != nil && result.Response.Status != 0:
		status = result.Response.Status
	}
	details["status"] = status
	if result.ShortCircuited {
		details["short_circuited"] = true
	}
	if ua := rc.Header.Get("User-Agent"); ua != "" {
		details["user_agent"] = util.SafeTruncate(ua, 200)
	}

	event := security.Event{
		Type:      security.EventRequestCompleted,
		IPAddress: rc.ClientIP,
		Details:   details,
	}
	if status >= http.StatusBadRequest {
		event.Type = security.EventRequestFailed
	} else if !p.config.IncludeSuccess {
		return nil
	}
	if rc.User != nil {
		event.UserID = rc.User.ID
	}
	if id := rc.Field("client_id"); id != "" {
		event.ClientID = util.SafeTruncate(id, 128)
	}

	p.auditor.LogEvent(ctx, event)
	if p.config.Sink != nil {
		p.config.Sink(ctx, event)
	}
	return nil
}
