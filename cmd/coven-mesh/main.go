// ABOUTME: Entry point for the coven-mesh daemon
// ABOUTME: Serves the event tap and health endpoints over the mesh core

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-mesh/internal/bus"
	"github.com/2389/coven-mesh/internal/config"
	"github.com/2389/coven-mesh/internal/hybrid"
	"github.com/2389/coven-mesh/internal/mesh"
	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/vector"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___  ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _ \/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| | | | | |  __/\__ \ | | |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___||___/_| |_|
`

// getConfigPath returns the path to the mesh config file.
// Priority: COVEN_MESH_CONFIG env var > XDG_CONFIG_HOME/coven/mesh.yaml >
// ~/.config/coven/mesh.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_MESH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "mesh.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "mesh.yaml")
}

type cliFlags struct {
	config string
	db     string
	listen string
}

func parseFlags(name string, args []string) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "path to config file")
	fs.StringVar(&f.db, "db", "", "path to the relational database")
	fs.StringVar(&f.listen, "listen", "", "listen address for the event tap")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

func loadConfig(f cliFlags) (*config.Config, string, error) {
	path := f.config
	if path == "" {
		path = getConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if f.db != "" {
		cfg.Database.Path = f.db
	}
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}
	return cfg, path, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	var err error
	switch command {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the mesh daemon (default)")
		fmt.Println("  init     Create or migrate the databases and exit")
		fmt.Println("  health   Check daemon health")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	flags, err := parseFlags("serve", args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Server.Listen)
	if cfg.VectorAvailable() {
		green.Print("    ▶ ")
		fmt.Print("Vector:   ")
		cyan.Println(cfg.Vector.URL)
	}
	fmt.Println()

	logger.Info("starting coven-mesh",
		"config", configPath,
		"db", cfg.Database.Path,
		"listen", cfg.Server.Listen,
	)

	tracer, shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer shutdownTracing()

	rel, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer rel.Close()

	var index *vector.SQLiteIndex
	var embedder vector.Embedder
	if cfg.VectorAvailable() {
		index, err = vector.NewSQLiteIndex(filepath.Join(cfg.Vector.Path, "embeddings.db"), logger)
		if err != nil {
			return fmt.Errorf("opening vector index: %w", err)
		}
		defer index.Close()

		httpEmbedder := vector.NewHTTPEmbedder(cfg.Vector.URL, cfg.Vector.APIKey, cfg.Vector.Model, cfg.Vector.CacheTTL, logger)
		if err := httpEmbedder.Ping(ctx); err != nil {
			logger.Warn("embedding endpoint unreachable, semantic search degraded", "url", cfg.Vector.URL, "error", err)
		}
		embedder = httpEmbedder
	}

	eventBus := bus.New(cfg.Events.RingSize, logger)
	hy := hybrid.New(rel, index, embedder, hybrid.Options{
		AutoRegister: cfg.Search.AutoRegister,
		Logger:       logger,
		Tracer:       tracer,
	})
	svc := mesh.New(rel, hy, eventBus, mesh.Options{
		Logger:         logger,
		Tracer:         tracer,
		DefaultProfile: cfg.Search.DefaultProfile,
		QueueSize:      cfg.Events.QueueSize,
	})

	if hy.SemanticAvailable() {
		go func() {
			n, err := svc.Reconcile(ctx)
			if err != nil {
				logger.Warn("embedding backfill failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("backfilled embeddings", "count", n)
			}
		}()
	}

	return serveHTTP(ctx, cfg.Server.Listen, svc, logger)
}

func serveHTTP(ctx context.Context, listen string, svc *mesh.Service, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version})
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		streamEvents(w, r, svc, logger)
	})

	server := &http.Server{
		Addr:    listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// streamEvents serves the event bus as an ndjson stream. Last-Event-ID
// resumes from a previous position; a resync-required frame tells the
// client its position fell off the ring.
func streamEvents(w http.ResponseWriter, r *http.Request, svc *mesh.Service, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastSeen int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		lastSeen = id
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}

	sub, err := svc.Subscribe(r.Context(), bus.SubscribeOptions{
		ClientID:   r.RemoteAddr,
		LastSeenID: lastSeen,
		Topics:     topics,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			if err := bus.EncodeFrame(w, ev); err != nil {
				logger.Debug("event stream write failed", "client", r.RemoteAddr, "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func runInit(ctx context.Context, args []string) error {
	flags, err := parseFlags("init", args)
	if err != nil {
		return err
	}
	cfg, configPath, err := loadConfig(flags)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	rel, err := store.NewSQLiteStore(cfg.Database.Path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	if err := rel.Close(); err != nil {
		return err
	}
	fmt.Printf("initialized %s\n", cfg.Database.Path)

	if cfg.VectorAvailable() {
		index, err := vector.NewSQLiteIndex(filepath.Join(cfg.Vector.Path, "embeddings.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			return fmt.Errorf("initializing vector index: %w", err)
		}
		if err := index.Close(); err != nil {
			return err
		}
		fmt.Printf("initialized %s\n", filepath.Join(cfg.Vector.Path, "embeddings.db"))
	}

	fmt.Printf("config: %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	flags, err := parseFlags("health", args)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}

	// Prefer asking a running daemon; fall back to checking the
	// database directly when none is listening.
	url := fmt.Sprintf("http://%s/healthz", cfg.Server.Listen)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if resp, err := http.DefaultClient.Do(req); err == nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
		}
		fmt.Println("healthy (daemon)")
		return nil
	}

	rel, err := store.NewSQLiteStore(cfg.Database.Path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer rel.Close()
	verdict, err := rel.Integrity(ctx)
	if err != nil {
		return err
	}
	if verdict != "ok" {
		return fmt.Errorf("unhealthy: integrity check reported %q", verdict)
	}
	fmt.Println("healthy (database)")
	return nil
}

// setupTracing builds the tracer the mesh components share. Disabled
// tracing returns a noop tracer with a noop shutdown.
func setupTracing(cfg config.TracingConfig) (trace.Tracer, func(), error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		tp := sdktrace.NewTracerProvider()
		return tp.Tracer("coven-mesh"), func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}, nil
	}

	var opts []stdouttrace.Option
	if cfg.Exporter == "file" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening trace file: %w", err)
		}
		opts = append(opts, stdouttrace.WithWriter(f))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	return tp.Tracer("coven-mesh"), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
