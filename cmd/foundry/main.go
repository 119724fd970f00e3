package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/splax/foundry/internal/backup"
	httpx "github.com/splax/foundry/internal/http"
	"github.com/splax/foundry/internal/lifecycle"
	"github.com/splax/foundry/internal/ports"
	"github.com/splax/foundry/internal/reconcile"
	"github.com/splax/foundry/internal/retention"
	"github.com/splax/foundry/internal/runtime"
	"github.com/splax/foundry/internal/stack"
	"github.com/splax/foundry/internal/store"
	"github.com/splax/foundry/internal/ws"
	"github.com/splax/foundry/pkg/config"
	"github.com/splax/foundry/pkg/logger"
)

var buildVersion = "dev"

// Exit codes: 0 success, 1 bad input, 2 operational failure, 3 partial
// failure needing manual review.
const (
	exitOK          = 0
	exitUsage       = 1
	exitOperational = 2
	exitPartial     = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsage)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var code int
	switch cmd {
	case "serve":
		code = commandServe(args)
	case "create":
		code = commandCreate(args)
	case "list":
		code = commandList(args)
	case "get":
		code = commandGet(args)
	case "delete":
		code = commandDelete(args)
	case "cleanup":
		code = commandCleanup(args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		code = exitUsage
	}
	os.Exit(code)
}

// core bundles the wired subsystems shared by every command.
type core struct {
	cfg        config.ServerConfig
	logger     *slog.Logger
	store      *store.Store
	docker     *runtime.DockerClient
	compose    *runtime.Compose
	backups    *backup.Manager
	controller *lifecycle.Controller
	hub        *ws.Hub
}

func buildCore(cfg config.ServerConfig, log *slog.Logger, hub *ws.Hub) (*core, error) {
	st, err := store.New(filepath.Join(cfg.DataDir, "environments"))
	if err != nil {
		return nil, err
	}
	docker, err := runtime.NewDockerClient(cfg.DockerHost)
	if err != nil {
		return nil, err
	}
	compose := runtime.NewCompose(cfg.ComposeBinary, cfg.ComposeTimeout, docker, log)
	alloc, err := ports.New(cfg.BasePort, cfg.BlockSize, cfg.PortCeiling)
	if err != nil {
		return nil, err
	}
	backups, err := backup.NewManager(cfg.BackupDir, log)
	if err != nil {
		return nil, err
	}

	var events lifecycle.Broadcaster
	if hub != nil {
		events = hub
	}
	controller := lifecycle.New(st, compose, alloc, lifecycle.Config{
		EnvRoot:       filepath.Join(cfg.DataDir, "envs"),
		LockPath:      filepath.Join(cfg.DataDir, "alloc.lock"),
		CredentialKey: cfg.CredentialKey,
		HealthTimeout: cfg.HealthTimeout,
		SettleDelay:   cfg.SettleDelay,
	}, events, log)

	return &core{
		cfg:        cfg,
		logger:     log,
		store:      st,
		docker:     docker,
		compose:    compose,
		backups:    backups,
		controller: controller,
		hub:        hub,
	}, nil
}

func (c *core) cleaner() *retention.Cleaner {
	return retention.New(c.store, c.controller, c.backups,
		filepath.Join(c.cfg.DataDir, "cleanup.lock"), c.logger)
}

func commandServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	cfg := config.LoadServerConfig()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("foundry", level)

	hub := ws.NewHub()
	c, err := buildCore(cfg, log, hub)
	if err != nil {
		log.Error("startup failed", "error", err)
		return exitOperational
	}
	defer c.docker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler := reconcile.New(c.store, c.compose, reconcile.Config{
		Interval:         cfg.ReconcileInterval,
		CreatingGrace:    cfg.CreatingGrace,
		OrphanAutoRemove: cfg.OrphanAutoRemove,
	}, log)
	go reconciler.Run(ctx)

	if cfg.CleanupInterval > 0 {
		go runCleanupLoop(ctx, c, log)
	}

	var limiter httpx.RateLimiter
	if cfg.RateLimitRedisAddr != "" {
		limiter, err = httpx.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory", "error", err)
			limiter = nil
		}
	}
	router := httpx.NewRouter(log, c.controller, c.cleaner(), hub, limiter,
		cfg.ServiceToken, cfg.RateLimitPerMinute, c.docker.Ping)
	defer router.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("foundry listening", "addr", cfg.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server stopped", "error", err)
		return exitOperational
	}
	return exitOK
}

func runCleanupLoop(ctx context.Context, c *core, log *slog.Logger) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			policy := retention.Policy{Keep: c.cfg.RetentionKeep, MaxAge: c.cfg.RetentionMaxAge}
			summary, err := c.cleaner().Run(ctx, policy)
			if err != nil {
				log.Error("scheduled cleanup failed", "error", err)
				continue
			}
			if summary.Partial() {
				log.Warn("scheduled cleanup partially failed", "failed", summary.Failed)
			}
		}
	}
}

func quietCore() (*core, error) {
	cfg := config.LoadServerConfig()
	log := logger.New("foundry-cli", slog.LevelWarn)
	return buildCore(cfg, log, nil)
}

func commandCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "Environment name")
	envType := fs.String("type", "", "Environment type")
	key := fs.String("idempotency-key", "", "Optional idempotency key")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" || strings.TrimSpace(*envType) == "" {
		fmt.Fprintf(os.Stderr, "--name and --type are required (types: %s)\n", strings.Join(stack.Types(), ", "))
		return exitUsage
	}

	c, err := quietCore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitOperational
	}
	defer c.docker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ComposeTimeout+c.cfg.HealthTimeout)
	defer cancel()

	env, err := c.controller.Create(ctx, lifecycle.CreateRequest{
		Name:           *name,
		Type:           *envType,
		IdempotencyKey: *key,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, store.ErrInvalidArgument) || errors.Is(err, stack.ErrTemplate) {
			return exitUsage
		}
		return exitOperational
	}
	fmt.Printf("environment created: %s status=%s\n", env.ID, env.Status)
	for role, port := range env.Ports {
		fmt.Printf("  %s\thttp://localhost:%d\n", role, port)
	}
	return exitOK
}

func commandList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	statusFilter := fs.String("status", "", "Filter by status")
	fs.Parse(args)

	c, err := quietCore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitOperational
	}
	defer c.docker.Close()

	envs, err := c.store.List(store.Filter{Status: *statusFilter})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitOperational
	}
	for _, env := range envs {
		fmt.Printf("%s\t%s\t%s\t%s\tready=%t\t%s\n",
			env.ID, env.Name, env.Type, env.Status, env.Ready,
			env.CreatedAt.Format(time.RFC3339))
	}
	return exitOK
}

func commandGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: foundry get <environment-id>")
		return exitUsage
	}

	c, err := quietCore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitOperational
	}
	defer c.docker.Close()

	env, err := c.controller.Get(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, store.ErrNotFound) {
			return exitUsage
		}
		return exitOperational
	}
	fmt.Printf("id:      %s\nname:    %s\ntype:    %s\nstatus:  %s\nready:   %t\n", env.ID, env.Name, env.Type, env.Status, env.Ready)
	for role, port := range env.Ports {
		fmt.Printf("port:    %s=%d\n", role, port)
	}
	if env.BackupRef != "" {
		fmt.Printf("backup:  %s\n", env.BackupRef)
	}
	return exitOK
}

func commandDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: foundry delete <environment-id>")
		return exitUsage
	}

	c, err := quietCore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitOperational
	}
	defer c.docker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ComposeTimeout)
	defer cancel()

	if err := c.controller.Delete(ctx, fs.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, store.ErrNotFound) {
			return exitUsage
		}
		return exitOperational
	}
	fmt.Println("environment deleted")
	return exitOK
}

func commandCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	keep := fs.Int("keep", 0, "Keep the N most recent environments")
	maxAge := fs.Duration("max-age", 0, "Remove environments older than this")
	fs.Parse(args)

	c, err := quietCore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitOperational
	}
	defer c.docker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	summary, err := c.cleaner().Run(ctx, retention.Policy{Keep: *keep, MaxAge: *maxAge})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, retention.ErrPolicy) {
			return exitUsage
		}
		return exitOperational
	}
	fmt.Printf("examined %d, removed %d, failed %d\n", summary.Examined, len(summary.Removed), len(summary.Failed))
	for _, id := range summary.Removed {
		fmt.Printf("  removed %s\n", id)
	}
	for _, id := range summary.Failed {
		fmt.Printf("  failed  %s\n", id)
	}
	if summary.Partial() {
		return exitPartial
	}
	return exitOK
}

func printUsage() {
	fmt.Printf("foundry %s\n\n", buildVersion)
	fmt.Print(`Usage:
	foundry serve
	foundry create --name <name> --type <type> [--idempotency-key key]
	foundry list [--status running]
	foundry get <environment-id>
	foundry delete <environment-id>
	foundry cleanup [--keep N | --max-age 72h]
	foundry version

Configuration is read from FOUNDRY_* environment variables.
`)
}
