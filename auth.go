// Package auth assembles a pluggable authentication instance: it composes
// plugins, wires the database adapter, sessions, auditing and metrics, and
// serves every contributed endpoint through the hook pipeline.
//
// Basic usage:
//
//	a, err := auth.New(ctx, auth.Config{
//		Secret:  os.Getenv("AUTH_SECRET"),
//		BaseURL: "https://auth.example.com",
//	}, credential.New(credential.Config{}))
//	if err != nil {
//		log.Fatal(err)
//	}
//	http.Handle("/", a.Handler())
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/adapter/memory"
	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/internal/util"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/schema"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
)

// Auth is a composed instance. It is safe for concurrent use.
type Auth struct {
	config      Config
	composition *plugin.Composition
	context     *plugin.AuthContext
	database    adapter.Adapter
	hosts       *security.HostAllowList
	logger      *slog.Logger
	handler     http.Handler
}

// Migrator is implemented by adapters that can create tables for a schema.
type Migrator interface {
	Migrate(ctx context.Context, s schema.Schema) error
}

// New validates cfg, composes plugins in order and runs their Init.
// Every configuration or composition error is returned here.
func New(ctx context.Context, cfg Config, plugins ...plugin.Plugin) (*Auth, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	applySecureDefaults(&cfg)
	logSecurityWarnings(&cfg, logger)

	a := &Auth{config: cfg, logger: logger}

	if d := cfg.DynamicBaseURL; d != nil {
		hosts, err := security.NewHostAllowList(security.HostAllowListConfig{
			AllowedHosts: d.AllowedHosts,
			Protocol:     d.Protocol,
			Fallback:     d.Fallback,
			BasePath:     cfg.BasePath,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamic base URL: %w", err)
		}
		a.hosts = hosts
	}

	opts := []plugin.Option{
		plugin.WithCoreSchema(session.CoreSchema()),
		plugin.WithCoreEndpoints(coreEndpoints()),
	}
	if a.hosts != nil {
		opts = append(opts, plugin.WithCoreBeforeHooks(plugin.BeforeHook{
			Name:    hostHookName,
			Handler: a.resolveHost,
		}))
	}
	composition, err := plugin.Compose(plugins, opts...)
	if err != nil {
		return nil, err
	}
	a.composition = composition

	db := cfg.Database
	if db == nil {
		mem := memory.New()
		mem.SetLogger(logger)
		db = mem
	}
	a.database = db
	hooked := adapter.WithHooks(db, composition.DatabaseHooks())

	encryptor, err := newEncryptor(cfg)
	if err != nil {
		return nil, err
	}
	encryptor.SetInstrumentation(cfg.Instrumentation)

	manager := session.NewManager(hooked, session.Config{
		ExpiresIn:  cfg.Session.ExpiresIn,
		UpdateAge:  cfg.Session.UpdateAge,
		GenerateID: cfg.GenerateID,
		Encryptor:  encryptor,
		Logger:     logger,
	})
	manager.SetInstrumentation(cfg.Instrumentation)

	auditor := security.NewAuditor(logger, cfg.Security.EnableAuditLogging)
	auditor.SetInstrumentation(cfg.Instrumentation)

	a.context = &plugin.AuthContext{
		Secret:          cfg.Secret,
		BaseURL:         util.JoinURL(cfg.BaseURL, cfg.BasePath),
		BasePath:        cfg.BasePath,
		TrustedOrigins:  trustedOrigins(cfg),
		Adapter:         hooked,
		Internal:        manager,
		GenerateID:      cfg.GenerateID,
		Logger:          logger,
		Auditor:         auditor,
		Instrumentation: cfg.Instrumentation,
		Cookies:         cfg.Session.Cookie,
		IPResolver: security.IPResolver{
			TrustProxy:        cfg.Security.TrustProxy,
			TrustedProxyCount: cfg.Security.TrustedProxyCount,
			Headers:           cfg.Security.ClientIPHeaders,
		},
	}

	if err := composition.Initialize(ctx, a.context); err != nil {
		return nil, err
	}
	a.handler = a.newRouter()

	logger.Info("Auth instance initialized",
		"plugins", composition.Registry().IDs(),
		"endpoints", len(composition.Operations()),
		"base_path", cfg.BasePath)
	return a, nil
}

func newEncryptor(cfg Config) (*security.Encryptor, error) {
	switch {
	case cfg.Security.DisableTokenEncryption:
		return security.NewEncryptor(nil)
	case len(cfg.Security.EncryptionKey) > 0:
		enc, err := security.NewEncryptor(cfg.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		return enc, nil
	default:
		return security.NewEncryptorFromSecret(cfg.Secret)
	}
}

func trustedOrigins(cfg Config) []string {
	origins := make([]string, 0, len(cfg.TrustedOrigins)+1)
	if cfg.BaseURL != "" {
		origins = append(origins, security.OriginOf(cfg.BaseURL))
	}
	for _, o := range cfg.TrustedOrigins {
		origins = append(origins, util.NormalizeURL(o))
	}
	return origins
}

// Handler returns the HTTP handler serving every endpoint under the base path.
func (a *Auth) Handler() http.Handler { return a.handler }

// Context returns the shared context plugins were initialized with.
func (a *Auth) Context() *plugin.AuthContext { return a.context }

// ErrorCodes returns the merged error codes of the core and every plugin.
func (a *Auth) ErrorCodes() apierror.Codes { return a.composition.ErrorCodes() }

// Schema returns the merged schema.
func (a *Auth) Schema() schema.Schema { return a.composition.Schema() }

// Endpoints returns the merged endpoints keyed by operation name.
func (a *Auth) Endpoints() map[string]*plugin.Endpoint { return a.composition.Endpoints() }

// Composition returns the merged plugin composition.
func (a *Auth) Composition() *plugin.Composition { return a.composition }

// HasPlugin reports whether a plugin with id is part of the instance.
func (a *Auth) HasPlugin(id string) bool { return a.composition.Registry().HasPlugin(id) }

// GetPlugin returns the plugin with id.
func (a *Auth) GetPlugin(id string) (plugin.Plugin, bool) {
	return a.composition.Registry().GetPlugin(id)
}

// Execute runs operation through the pipeline without HTTP routing.
func (a *Auth) Execute(ctx context.Context, operation string, r *http.Request) (*plugin.Outcome, error) {
	rc, err := a.requestContext(r)
	if err != nil {
		return nil, err
	}
	return a.composition.Execute(ctx, operation, rc), nil
}

// Migrate creates tables and columns for the merged schema when the
// database adapter supports migrations.
func (a *Auth) Migrate(ctx context.Context) error {
	m, ok := a.database.(Migrator)
	if !ok {
		a.logger.Debug("Database adapter does not support migrations")
		return nil
	}
	if err := m.Migrate(ctx, a.Schema()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close stops background work of every plugin that has any.
func (a *Auth) Close() error {
	var errs []error
	for _, p := range a.composition.Registry().Plugins() {
		if c, ok := p.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("plugin %q: %w", p.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}
