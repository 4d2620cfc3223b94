package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giantswarm/mcp-auth/discovery"
)

const mcpPath = "/mcp"

// upstreamMetadataPath republishes the upstream issuer's RFC 8414 document.
const upstreamMetadataPath = "/upstream" + discovery.AuthorizationServerPath

func newRouter(cfg *Config, inst *instance, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	lp := &loginPage{cfg: cfg, inst: inst, logger: logger}
	r.Get(loginPath, lp.show)
	r.Post(loginPath+"/social", lp.social)
	r.Post(loginPath+"/password", lp.password)

	r.Handle(mcpPath, inst.mcp.Protect(newMCPHandler(inst)))
	r.Handle(discovery.ProtectedResourcePath+mcpPath,
		discovery.ProtectedResourceHandler(inst.mcp.ProtectedResourceMetadata()))
	if inst.upstream != nil {
		r.Handle(upstreamMetadataPath, discovery.AuthorizationServerHandler(inst.upstream, logger))
	}
	r.Mount("/", inst.auth.Handler())
	return r
}

// serverInfo is the result of the server_info tool.
type serverInfo struct {
	Issuer   string   `json:"issuer"`
	Resource string   `json:"resource"`
	Scopes   []string `json:"scopes"`
	Version  string   `json:"version"`
}

type serverInfoArgs struct{}

// newMCPHandler serves a minimal MCP server over streamable HTTP.
func newMCPHandler(inst *instance) http.Handler {
	server := sdk.NewServer(&sdk.Implementation{Name: "mcp-auth", Version: version}, nil)
	sdk.AddTool(server, &sdk.Tool{
		Name:        "server_info",
		Description: "Describe the authorization server protecting this endpoint",
	}, func(_ context.Context, _ *sdk.ServerRequest[*sdk.CallToolParamsFor[serverInfoArgs]]) (*sdk.CallToolResultFor[serverInfo], error) {
		meta := inst.mcp.ProtectedResourceMetadata()
		info := serverInfo{
			Issuer:   inst.mcp.Issuer(),
			Resource: inst.mcp.Resource(),
			Scopes:   meta.ScopesSupported,
			Version:  version,
		}
		text, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		return &sdk.CallToolResultFor[serverInfo]{
			Content:           []sdk.Content{&sdk.TextContent{Text: string(text)}},
			StructuredContent: info,
		}, nil
	})
	return sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return server }, nil)
}

func serve(ctx context.Context, cfg *Config, inst *instance, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, inst, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			"addr", cfg.Addr,
			"base_url", cfg.BaseURL,
			"mcp_endpoint", cfg.BaseURL+mcpPath,
			"providers", inst.providers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
