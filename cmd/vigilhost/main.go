// vigilhost is a minimal host process for modkit: it loads module files
// from a directory, keeps them hot-reloading, and serves their routes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vigilboard/modkit"
)

type hostConfig struct {
	Listen     string `toml:"listen"`
	ModulesDir string `toml:"modules_dir"`
	StatePath  string `toml:"state_path"`
	Watch      bool   `toml:"watch"`
	RescanSpec string `toml:"rescan_spec"`
}

func defaultConfig() hostConfig {
	return hostConfig{
		Listen:     ":8080",
		ModulesDir: "modules",
		StatePath:  "modules.state.yaml",
		Watch:      true,
	}
}

// slogLogger adapts the standard structured logger to the modkit Logger.
type slogLogger struct {
	base *slog.Logger
}

func (l *slogLogger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.base.Error(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *slogLogger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()
	if path := os.Getenv("VIGILHOST_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	}

	logger := &slogLogger{base: slog.New(slog.NewTextHandler(os.Stderr, nil))}

	store, err := modkit.NewFileStore(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open module store: %w", err)
	}

	registry := modkit.NewRegistry(store, logger)
	loader := modkit.NewLoader(registry, logger)
	defer loader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := loader.LoadFromDirectory(ctx, cfg.ModulesDir, modkit.LoadOptions{Watch: cfg.Watch})
	if err != nil {
		return fmt.Errorf("load modules from %s: %w", cfg.ModulesDir, err)
	}
	for _, failure := range report.Failed {
		logger.Warn("Module file failed to load", "file", failure.File, "error", failure.Error)
	}
	if err := registry.Sync(ctx); err != nil {
		return fmt.Errorf("sync registry: %w", err)
	}
	if cfg.RescanSpec != "" {
		if err := loader.StartRescan(cfg.RescanSpec); err != nil {
			return err
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	router.Get("/modules", func(w http.ResponseWriter, _ *http.Request) {
		for _, entry := range registry.AllModules() {
			fmt.Fprintf(w, "%s enabled=%t version=%s\n",
				entry.ID(), entry.Enabled, entry.Definition.Version)
		}
	})
	modkit.MountModuleRoutes(router, registry, placeholderResolver(), logger)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("vigilhost listening", "addr", cfg.Listen, "modules", len(report.Loaded))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// placeholderResolver serves a stub response for every declared handler.
// Real hosts substitute their own handler wiring here.
func placeholderResolver() modkit.HandlerResolver {
	return func(moduleID, handlerName string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "module %s handler %s\n", moduleID, handlerName)
		})
	}
}
