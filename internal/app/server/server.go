// Package server composes the gatehouse process: entity store, commit
// journal, sandbox runtime, module registry, broker, pipeline, and the
// WebSocket gateway, served over one HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gatehousedb/gatehouse/internal/broker"
	"github.com/gatehousedb/gatehouse/internal/gateway"
	"github.com/gatehousedb/gatehouse/internal/manifest"
	"github.com/gatehousedb/gatehouse/internal/pipeline"
	"github.com/gatehousedb/gatehouse/internal/platform/timeouts"
	"github.com/gatehousedb/gatehouse/internal/registry"
	"github.com/gatehousedb/gatehouse/internal/sandbox"
	"github.com/gatehousedb/gatehouse/internal/storage"
	bboltstore "github.com/gatehousedb/gatehouse/internal/storage/bbolt"
	sqlitestore "github.com/gatehousedb/gatehouse/internal/storage/sqlite"
	"github.com/gatehousedb/gatehouse/internal/telemetry"
)

// Config defines the inputs for the gatehouse server process.
type Config struct {
	HTTPAddr string
	// DataDir holds the entity store and commit journal files.
	DataDir string
	// ModulesDir holds module manifests and images loaded at startup.
	// Empty skips module loading; unbound tables still accept writes.
	ModulesDir string
	// JWTSecret enables bearer-token authentication when non-empty.
	JWTSecret string
	// QueueSize bounds each subscriber's notification queue.
	QueueSize int
	// SandboxDeadline caps one module invocation.
	SandboxDeadline   time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the gatehouse HTTP/WebSocket process and owns the
// storage and sandbox resources behind it.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           storage.EntityStore
	journal         storage.Journal
	registry        *registry.Registry
	broker          *broker.Broker
	pipeline        *pipeline.Pipeline
}

// NewServer builds a configured server: it opens storage, loads the
// module manifests, and wires the write path behind the gateway.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(cfg.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	store, err := bboltstore.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open entity store: %w", err)
	}
	journal, err := sqlitestore.Open(filepath.Join(dataDir, "journal.db"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open commit journal: %w", err)
	}

	emitter := telemetry.Multi{telemetry.LogEmitter{}, telemetry.NewJournalEmitter(journal)}
	reg := registry.New(sandbox.NewRuntime(sandbox.Config{Deadline: cfg.SandboxDeadline}))

	srv := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           store,
		journal:         journal,
		registry:        reg,
	}
	if err := loadModules(ctx, reg, emitter, cfg.ModulesDir); err != nil {
		srv.Close()
		return nil, err
	}

	b := broker.New(cfg.QueueSize, emitter)
	p, err := pipeline.New(pipeline.Config{
		Registry: reg,
		Store:    store,
		Journal:  journal,
		Broker:   b,
		Emitter:  emitter,
	})
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	srv.broker = b
	srv.pipeline = p

	auth := gateway.NewAuthenticator([]byte(cfg.JWTSecret))
	gw := gateway.New(p, b, store, auth)
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/admin/reload", srv.handleReload(auth, cfg.ModulesDir))
	srv.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return srv, nil
}

func loadModules(ctx context.Context, reg *registry.Registry, emitter telemetry.Emitter, dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	modules, err := manifest.LoadDir(os.DirFS(dir), ".")
	if err != nil {
		return fmt.Errorf("load modules from %s: %w", dir, err)
	}
	for _, module := range modules {
		if err := reg.Register(module.Descriptor, module.Image); err != nil {
			return fmt.Errorf("register module %s: %w", module.Descriptor.Name, err)
		}
		emitter.Emit(ctx, telemetry.KindModuleRegistered, module.Descriptor.Name,
			fmt.Sprintf("version %s bound to %d tables", module.Descriptor.Version, len(module.Descriptor.Bindings)))
	}
	return nil
}

// handleReload hot-swaps one module from its manifest on disk. The
// reload also lifts any quarantine on the module.
func (s *Server) handleReload(auth *gateway.Authenticator, modulesDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := auth.Authenticate(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		name := strings.TrimSpace(r.URL.Query().Get("module"))
		if name == "" {
			http.Error(w, "module is required", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(modulesDir) == "" {
			http.Error(w, "no modules directory configured", http.StatusConflict)
			return
		}
		module, err := manifest.Load(os.DirFS(modulesDir), name+".yaml")
		if err != nil {
			http.Error(w, fmt.Sprintf("load manifest: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.pipeline.Reload(module.Descriptor, module.Image); err != nil {
			http.Error(w, fmt.Sprintf("reload: %v", err), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Run creates and serves a gatehouse server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	srv, err := NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init gatehouse server: %w", err)
	}
	defer srv.Close()

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve gatehouse: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("gatehouse listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources. Order matters: the broker drains
// its writers before the registry retires sandbox handles, and storage
// closes last.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.broker != nil {
		s.broker.Close()
	}
	if s.registry != nil {
		s.registry.Close()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			log.Printf("close commit journal: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close entity store: %v", err)
		}
	}
}
