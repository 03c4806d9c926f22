package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/codesdk/codesdk/internal/artifact"
	"github.com/codesdk/codesdk/internal/common/config"
	"github.com/codesdk/codesdk/internal/common/logger"
	"github.com/codesdk/codesdk/internal/engine"
	"github.com/codesdk/codesdk/internal/events"
	"github.com/codesdk/codesdk/internal/events/bus"
	"github.com/codesdk/codesdk/internal/events/store"
	"github.com/codesdk/codesdk/internal/runtime"
	"github.com/codesdk/codesdk/internal/runtime/mock"
	"github.com/codesdk/codesdk/internal/runtimeenv"
	"github.com/codesdk/codesdk/internal/server"
	"github.com/codesdk/codesdk/internal/session"
	"github.com/codesdk/codesdk/internal/tools"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("codesdk", pflag.ContinueOnError)
	host := flags.String("host", "", "address to bind")
	port := flags.Int("port", 0, "port to bind (0 = ephemeral)")
	dataDir := flags.String("data-dir", "", "daemon data directory (required)")
	runtimes := flags.String("runtimes", "", "comma-separated runtimes to enable")
	defaultRuntime := flags.String("default-runtime", "", "runtime used when a session names none")
	permissionMode := flags.String("default-permission-mode", "", "auto, ask, or yolo")
	workspaceRoot := flags.String("workspace-root", "", "default working directory for sessions")
	debug := flags.Bool("debug", false, "verbose request logging")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	// Flags override config file and environment.
	if flags.Changed("host") {
		cfg.Server.Host = *host
	}
	if flags.Changed("port") {
		cfg.Server.Port = *port
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = *dataDir
	}
	if flags.Changed("runtimes") {
		cfg.Runtimes.Enabled = splitCSV(*runtimes)
	}
	if flags.Changed("default-runtime") {
		cfg.Runtimes.Default = *defaultRuntime
	}
	if flags.Changed("default-permission-mode") {
		cfg.Runtimes.DefaultPermissionMode = *permissionMode
	}
	if flags.Changed("workspace-root") {
		cfg.WorkspaceRoot = *workspaceRoot
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot, _ = os.Getwd()
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting codesdk daemon",
		zap.String("data_dir", cfg.DataDir),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("runtimes", cfg.Runtimes.Enabled),
	)

	st, err := store.Provide(cfg, log)
	if err != nil {
		log.Error("failed to open event store", zap.Error(err))
		return 1
	}
	defer st.Close()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("failed to initialize event bus", zap.Error(err))
		return 1
	}
	defer busCleanup()

	// Relay every stored event to the bus so external consumers can follow
	// events.<session_id> subjects. The store has already assigned seq, so
	// relay failures lose nothing a client cannot re-read.
	st.OnAppend = func(ev *v1.Event) {
		subject := bus.SubjectForSession(ev.Trace.SessionID)
		if err := provided.Bus.Publish(context.Background(), subject, bus.NewEnvelope(ev.Trace.SessionID, ev)); err != nil {
			log.Debug("event relay publish failed", zap.Error(err), zap.String("subject", subject))
		}
	}

	artifacts, err := artifact.NewStore(filepath.Join(cfg.DataDir, "artifacts"), cfg.Artifacts.MaxBytes, log)
	if err != nil {
		log.Error("failed to open artifact store", zap.Error(err))
		return 1
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg, cfg.WorkspaceRoot); err != nil {
		log.Error("failed to register builtin tools", zap.Error(err))
		return 1
	}

	registry := runtime.NewRegistry()
	for _, name := range cfg.Runtimes.Enabled {
		adapter, err := buildAdapter(name, artifacts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if err := registry.Register(adapter); err != nil {
			log.Error("failed to register runtime", zap.String("runtime", name), zap.Error(err))
			return 1
		}
	}
	if cfg.Runtimes.Default != "" {
		if err := registry.SetDefault(cfg.Runtimes.Default); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}

	sessions := session.NewManager(registry,
		runtimeenv.NewBuilder(filepath.Join(cfg.DataDir, "runtime-env")),
		st,
		session.Defaults{
			Runtime:        cfg.Runtimes.Default,
			PermissionMode: v1.PermissionMode(cfg.Runtimes.DefaultPermissionMode),
			WorkspaceRoot:  cfg.WorkspaceRoot,
		}, log)

	eng := engine.New(registry, st, artifacts, toolReg, engine.Config{
		MaxInflightTasks:  cfg.Engine.MaxInflightTasks,
		InlineResultLimit: cfg.Engine.InlineResultLimit,
		ResultPreviewLen:  cfg.Engine.ResultPreviewLen,
	}, log)

	srv := server.New(cfg.Server, sessions, eng, st, artifacts, registry, log,
		*debug || strings.EqualFold(cfg.Logging.Level, "debug"))
	if err := srv.Start(); err != nil {
		log.Error("failed to start HTTP server", zap.Error(err))
		return 1
	}
	log.Info("codesdk daemon ready", zap.String("addr", srv.Addr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown did not complete cleanly", zap.Error(err))
	}

	if sig == syscall.SIGINT {
		return 130
	}
	return 0
}

// buildAdapter constructs the adapter for a configured runtime name. Real
// runtime integrations register here as they land.
func buildAdapter(name string, artifacts *artifact.Store) (runtime.Adapter, error) {
	switch name {
	case "mock":
		return mock.New(artifacts), nil
	default:
		return nil, fmt.Errorf("unknown runtime %q in runtimes.enabled", name)
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
