// Package server parses gatehouse command flags and composes the
// database server entrypoint.
package server

import (
	"context"
	"flag"
	"fmt"
	"time"

	app "github.com/gatehousedb/gatehouse/internal/app/server"
	entrypoint "github.com/gatehousedb/gatehouse/internal/platform/cmd"
)

// Config holds gatehouse command configuration.
type Config struct {
	HTTPAddr        string        `env:"GATEHOUSE_HTTP_ADDR"        envDefault:":8080"`
	DataDir         string        `env:"GATEHOUSE_DATA_DIR"         envDefault:"data"`
	ModulesDir      string        `env:"GATEHOUSE_MODULES_DIR"      envDefault:"modules"`
	JWTSecret       string        `env:"GATEHOUSE_JWT_SECRET"`
	QueueSize       int           `env:"GATEHOUSE_QUEUE_SIZE"       envDefault:"64"`
	SandboxDeadline time.Duration `env:"GATEHOUSE_SANDBOX_DEADLINE" envDefault:"50ms"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the entity store and commit journal")
	fs.StringVar(&cfg.ModulesDir, "modules-dir", cfg.ModulesDir, "directory with module manifests and images")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret for bearer-token auth; empty disables auth")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "per-subscriber notification queue size")
	fs.DurationVar(&cfg.SandboxDeadline, "sandbox-deadline", cfg.SandboxDeadline, "per-invocation sandbox deadline")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the gatehouse app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGatehouse, func(context.Context) error {
		if err := app.Run(ctx, app.Config{
			HTTPAddr:        cfg.HTTPAddr,
			DataDir:         cfg.DataDir,
			ModulesDir:      cfg.ModulesDir,
			JWTSecret:       cfg.JWTSecret,
			QueueSize:       cfg.QueueSize,
			SandboxDeadline: cfg.SandboxDeadline,
		}); err != nil {
			return fmt.Errorf("serve gatehouse: %w", err)
		}
		return nil
	})
}
