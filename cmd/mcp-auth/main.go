// Package main is the mcp-auth server: an authentication server that signs
// users in with passwords or social providers and acts as the OAuth
// authorization server of a protected MCP endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var envFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "mcp-auth",
		Short:        "Authentication server for MCP endpoints",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the auth endpoints and the protected MCP endpoint",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update database tables for the enabled plugins",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the merged database schema as YAML",
			RunE:  runSchema,
		},
		&cobra.Command{
			Use:   "endpoints",
			Short: "List the endpoints of the enabled plugins",
			RunE:  runEndpoints,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	logger := cfg.newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := build(ctx, cfg, logger, buildOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := inst.Close(); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}()
	if cfg.AutoMigrate {
		if err := inst.auth.Migrate(ctx); err != nil {
			return err
		}
	}
	return serve(ctx, cfg, inst, logger)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	logger := cfg.newLogger()
	// Providers and state stores are irrelevant to the schema.
	cfg.ProvidersFile, cfg.UpstreamIssuer = "", ""

	inst, err := build(cmd.Context(), cfg, logger, buildOptions{})
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.auth.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info("Database migrated", "driver", cfg.DatabaseDriver, "models", inst.auth.Schema().ModelNames())
	return nil
}

func offlineInstance(ctx context.Context) (*instance, error) {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg, cfg.newLogger(), buildOptions{offline: true})
}

func runSchema(cmd *cobra.Command, _ []string) error {
	inst, err := offlineInstance(cmd.Context())
	if err != nil {
		return err
	}
	defer inst.Close()

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(inst.auth.Schema()); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return enc.Close()
}

func runEndpoints(cmd *cobra.Command, _ []string) error {
	inst, err := offlineInstance(cmd.Context())
	if err != nil {
		return err
	}
	defer inst.Close()

	endpoints := inst.auth.Endpoints()
	ops := make([]string, 0, len(endpoints))
	for op := range endpoints {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return endpoints[ops[i]].Path < endpoints[ops[j]].Path
	})

	out := cmd.OutOrStdout()
	for _, op := range ops {
		ep := endpoints[op]
		auth := ""
		if ep.RequireSession {
			auth = " (session)"
		}
		fmt.Fprintf(out, "%-7s %-45s %s [%s]%s\n", ep.Method, ep.Path, op, ep.Owner(), auth)
	}
	return nil
}
