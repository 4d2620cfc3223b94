package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	auth "github.com/giantswarm/mcp-auth"
	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/adapter/gormadapter"
	"github.com/giantswarm/mcp-auth/discovery"
	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/plugins/audit"
	"github.com/giantswarm/mcp-auth/plugins/credential"
	"github.com/giantswarm/mcp-auth/plugins/electron"
	"github.com/giantswarm/mcp-auth/plugins/genericoauth"
	"github.com/giantswarm/mcp-auth/plugins/mcp"
	"github.com/giantswarm/mcp-auth/plugins/ratelimit"
	"github.com/giantswarm/mcp-auth/providers"
	"github.com/giantswarm/mcp-auth/providers/dex"
	"github.com/giantswarm/mcp-auth/providers/github"
	"github.com/giantswarm/mcp-auth/providers/google"
	"github.com/giantswarm/mcp-auth/providers/oidc"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/storage"
	"github.com/giantswarm/mcp-auth/storage/redis"
	"github.com/giantswarm/mcp-auth/storage/valkey"
	"github.com/giantswarm/mcp-auth/verifier"
)

// instance is an assembled auth instance with the resources it owns.
type instance struct {
	auth      *auth.Auth
	mcp       *mcp.Plugin
	providers []string
	closers   []func() error

	// upstream caches the upstream issuer's metadata, nil without one
	upstream *discovery.Cache
}

func (i *instance) Close() error {
	var errs []error
	if i.auth != nil {
		errs = append(errs, i.auth.Close())
	}
	for j := len(i.closers) - 1; j >= 0; j-- {
		errs = append(errs, i.closers[j]())
	}
	return errors.Join(errs...)
}

// buildOptions relax requirements for commands that never serve traffic.
type buildOptions struct {
	offline bool
}

// offlineSecret lets schema and endpoints run without a configured secret.
const offlineSecret = "offline-inspection-secret-not-for-serving"

func build(ctx context.Context, cfg *Config, logger *slog.Logger, opts buildOptions) (inst *instance, err error) {
	inst = &instance{}
	defer func() {
		if err != nil {
			_ = inst.Close()
		}
	}()

	secret := cfg.Secret
	if secret == "" {
		if !opts.offline {
			return nil, auth.ErrSecretRequired
		}
		secret = offlineSecret
	}

	telemetry, err := newInstrumentation(cfg, opts)
	if err != nil {
		return nil, err
	}
	inst.closers = append(inst.closers, func() error { return telemetry.Shutdown(context.Background()) })

	db, err := newDatabase(cfg, logger, opts)
	if err != nil {
		return nil, err
	}
	if c, ok := db.(interface{ Close() error }); ok {
		inst.closers = append(inst.closers, c.Close)
	}

	plugins, err := newPlugins(ctx, cfg, logger, inst, telemetry, opts)
	if err != nil {
		return nil, err
	}

	a, err := auth.New(ctx, auth.Config{
		Secret:         secret,
		BaseURL:        cfg.BaseURL,
		BasePath:       cfg.BasePath,
		TrustedOrigins: cfg.trustedOrigins(),
		Database:       db,
		Security: auth.SecurityConfig{
			EnableAuditLogging: cfg.AuditLogging,
			TrustProxy:         cfg.TrustProxy,
		},
		Instrumentation: telemetry,
		Logger:          logger,
	}, plugins...)
	if err != nil {
		return nil, err
	}
	inst.auth = a
	return inst, nil
}

func newInstrumentation(cfg *Config, opts buildOptions) (*instrumentation.Instrumentation, error) {
	return instrumentation.New(instrumentation.Config{
		Enabled:        cfg.Metrics && !opts.offline,
		ServiceName:    instrumentation.DefaultServiceName,
		ServiceVersion: version,
		MetricExporter: instrumentation.MetricExporterPrometheus,
		LogClientIPs:   cfg.TraceClientIPs,
	})
}

// newDatabase returns nil for the in-memory default.
func newDatabase(cfg *Config, logger *slog.Logger, opts buildOptions) (adapter.Adapter, error) {
	if cfg.DatabaseDriver == "" || cfg.DatabaseDriver == "memory" || opts.offline {
		return nil, nil
	}
	db, err := gormadapter.New(gormadapter.Config{
		Driver: cfg.DatabaseDriver,
		DSN:    cfg.DatabaseDSN,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func newStateStore(cfg *Config, logger *slog.Logger, inst *instance, telemetry *instrumentation.Instrumentation) (storage.StateStore, error) {
	switch cfg.StateStore {
	case "", "memory":
		return nil, nil
	case "valkey":
		s, err := valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddr,
			Password: cfg.ValkeyPassword,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		s.SetInstrumentation(telemetry)
		inst.closers = append(inst.closers, func() error { s.Close(); return nil })
		enc, err := security.NewEncryptorFromSecret(cfg.Secret)
		if err != nil {
			return nil, err
		}
		s.SetEncryptor(enc)
		return s, nil
	case "redis":
		s, err := redis.NewFromEnv()
		if err != nil {
			return nil, err
		}
		s.SetLogger(logger)
		inst.closers = append(inst.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state store %q", cfg.StateStore)
	}
}

func newPlugins(ctx context.Context, cfg *Config, logger *slog.Logger, inst *instance, telemetry *instrumentation.Instrumentation, opts buildOptions) ([]plugin.Plugin, error) {
	var plugins []plugin.Plugin
	if cfg.RateLimit {
		plugins = append(plugins, ratelimit.New(ratelimit.Config{SkipPaths: []string{"/ok"}}))
	}
	if cfg.EnablePasswords {
		plugins = append(plugins, credential.New(credential.Config{}))
	}

	specs, err := loadProviders(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	if len(specs) > 0 {
		gc := genericoauth.Config{}
		if !opts.offline {
			if gc.StateStore, err = newStateStore(cfg, logger, inst, telemetry); err != nil {
				return nil, err
			}
		}
		for _, spec := range specs {
			pc, err := newProvider(ctx, spec, logger, opts)
			if err != nil {
				return nil, err
			}
			gc.Providers = append(gc.Providers, pc)
			inst.providers = append(inst.providers, pc.Provider.Name())
		}
		plugins = append(plugins, genericoauth.New(gc))
	}

	if cfg.ElectronRedirectURL != "" {
		plugins = append(plugins, electron.New(electron.Config{RedirectURL: cfg.ElectronRedirectURL}))
	}

	mc := mcp.Config{
		Scopes:            cfg.scopes(),
		RegistrationToken: cfg.RegistrationToken,
		AccessTokenTTL:    cfg.AccessTokenTTL,
		LoginPage:         loginPath,
	}
	if cfg.UpstreamIssuer != "" && !opts.offline {
		v, err := verifier.NewJWKS(ctx, verifier.JWKSConfig{
			Issuer:    cfg.UpstreamIssuer,
			Audiences: splitList(cfg.UpstreamAudience, ","),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up upstream verifier: %w", err)
		}
		mc.Verifier = v

		inst.upstream = discovery.NewRemoteCache(cfg.UpstreamIssuer, nil, discovery.DefaultCacheTTL, logger)
		inst.upstream.SetInstrumentation(telemetry)
	}
	inst.mcp = mcp.New(mc)
	plugins = append(plugins, inst.mcp, audit.New(audit.Config{}))
	return plugins, nil
}

func newProvider(ctx context.Context, spec ProviderSpec, logger *slog.Logger, opts buildOptions) (genericoauth.ProviderConfig, error) {
	base := providers.Config{
		ClientID:     spec.ClientID,
		ClientSecret: spec.ClientSecret,
		Scopes:       spec.Scopes,
	}
	pc := genericoauth.ProviderConfig{DisableSignUp: spec.DisableSignUp}

	var err error
	switch spec.Type {
	case "google":
		pc.Provider, err = google.New(google.Config{Config: base, HostedDomain: spec.HostedDomain, Logger: logger})
	case "github":
		pc.Provider, err = github.New(github.Config{Config: base, AllowedOrganizations: spec.AllowedOrganizations, Logger: logger})
	case "dex":
		if opts.offline {
			pc.Provider, err = undiscovered(spec, base, dex.ProviderID)
			break
		}
		pc.Provider, err = dex.New(ctx, dex.Config{Config: base, IssuerURL: spec.Issuer, ConnectorID: spec.ConnectorID, ID: spec.ID, Logger: logger})
	case "oidc":
		if opts.offline {
			pc.Provider, err = undiscovered(spec, base, "oidc")
			break
		}
		pc.Provider, err = oidc.New(ctx, oidc.Config{Config: base, ID: spec.ID, IssuerURL: spec.Issuer, Logger: logger})
	default:
		err = fmt.Errorf("unknown provider type %q", spec.Type)
	}
	if err != nil {
		return pc, fmt.Errorf("provider %s: %w", spec.Type, err)
	}
	return pc, nil
}

// undiscovered stands in for an OIDC provider without contacting its
// issuer. It only serves commands that never sign anyone in.
func undiscovered(spec ProviderSpec, base providers.Config, defaultID string) (*providers.Generic, error) {
	id := spec.ID
	if id == "" {
		id = defaultID
	}
	return providers.NewGeneric(providers.GenericConfig{
		Config: base,
		ID:     id,
		Endpoints: providers.Endpoints{
			AuthURL:     spec.Issuer + "/auth",
			TokenURL:    spec.Issuer + "/token",
			UserInfoURL: spec.Issuer + "/userinfo",
		},
	})
}
