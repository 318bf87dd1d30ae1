// ABOUTME: Entry point for coven-relay
// ABOUTME: Connects Matrix rooms to Claude Code sessions with in-chat tool approval

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/engine"
	"github.com/2389/coven-relay/internal/matrix"
	"github.com/2389/coven-relay/internal/permission"
	"github.com/2389/coven-relay/internal/store"
)

// version is overridden at build time with
//
//	go build -ldflags "-X main.version=v1.2.3" ./cmd/coven-relay
var version = "dev"

const banner = `
                                                _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// shutdownTimeout bounds how long running turns get to stop on exit.
const shutdownTimeout = 15 * time.Second

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, config.Path())
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Println("Usage: coven-relay [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Run the relay (default)")
	fmt.Println("  init      Create a new config file interactively")
	fmt.Println("  version   Print the version")
	fmt.Println()
	fmt.Printf("Config is read from $%s or %s\n", config.EnvConfigPath, config.Path())
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	printStartup(configPath, cfg)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	mode := engine.PermissionMode(cfg.Agent.PermissionMode)
	broker := permission.New(nil,
		permission.WithTimeout(cfg.Agent.PermissionTimeout),
		permission.WithLogger(logger),
	)

	eng := engine.NewClaudeCLI(engine.ClaudeConfig{
		Binary:          cfg.Agent.Binary,
		ExtraArgs:       cfg.Agent.ExtraArgs,
		Env:             envList(cfg.Agent.Env),
		PartialMessages: cfg.Agent.Partial(),
		ExitGrace:       cfg.Agent.ExitGrace,
	}, logger)

	orch := conversation.New(conversation.Config{
		Engine: eng,
		Store:  st,
		Broker: broker,
		BotID:  cfg.Matrix.UserID,
		Defaults: conversation.Policy{
			Model:          cfg.Agent.Model,
			MaxTurns:       cfg.Agent.MaxTurns,
			PermissionMode: mode,
			SystemPrompt:   cfg.Agent.SystemPrompt,
			MCPConfig:      cfg.Agent.MCPConfig,
			AllowedTools:   cfg.Agent.AllowedTools,
			ThinkingBudget: cfg.Agent.ThinkingBudget,
		},
		WorkingDir: cfg.Agent.WorkingDir,
		Logger:     logger,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("turns still running at exit", "error", err)
		}
	}()

	client, err := matrix.NewClient(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.AccessToken, cfg.Matrix.DeviceID, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.E2EE() {
		crypto, err := setupCrypto(ctx, client.Mautrix(), cfg.Matrix.RecoveryKey, cfg.DataDir, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer crypto.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	var perms matrix.Permissions
	if mode.RequiresConfirmation() {
		perms = broker
	}
	bridge := matrix.NewBridge(matrix.Config{
		UserID:           cfg.Matrix.UserID,
		AllowedUsers:     cfg.Matrix.AllowedUsers,
		AllowedRooms:     cfg.Matrix.AllowedRooms,
		CommandPrefix:    cfg.Matrix.CommandPrefix,
		TypingIndicator:  cfg.Matrix.Typing(),
		AutoJoin:         cfg.Matrix.AutoJoin,
		ProgressInterval: cfg.Matrix.ProgressInterval,
		ProgressBurst:    cfg.Matrix.ProgressBurst,
	}, client, orch, perms, logger)
	broker.SetNotifier(bridge.Notify)

	if err := client.Listen(bridge.HandleMessage, bridge.HandleInvite); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Run(gctx, client)
	})
	if cfg.Metrics.Enabled {
		serveMetrics(gctx, g, cfg.Metrics, logger)
	}

	logger.Info("coven-relay running",
		"user_id", cfg.Matrix.UserID,
		"permission_mode", mode,
		"working_dir", cfg.Agent.WorkingDir,
	)
	return g.Wait()
}

// serveMetrics exposes Prometheus metrics until ctx ends.
func serveMetrics(ctx context.Context, g *errgroup.Group, cfg config.MetricsConfig, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("serving metrics", "addr", cfg.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func printStartup(configPath string, cfg *config.Config) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-12s%s\n", label+":", value)
	}
	line("Config", configPath)
	line("Homeserver", cfg.Matrix.Homeserver)
	line("User", cfg.Matrix.UserID)
	line("Database", cfg.Database.Path)
	line("Agent", cfg.Agent.Binary)
	if cfg.Agent.WorkingDir != "" {
		line("Directory", cfg.Agent.WorkingDir)
	}

	green.Print("    ▶ ")
	fmt.Printf("%-12s", "Permissions:")
	if cfg.Agent.PermissionMode == string(engine.PermissionBypass) {
		yellow.Println(cfg.Agent.PermissionMode)
	} else {
		fmt.Println(cfg.Agent.PermissionMode)
	}

	if cfg.Matrix.E2EE() {
		line("Encryption", "enabled")
	}
	if cfg.Metrics.Enabled {
		line("Metrics", cfg.Metrics.Addr+cfg.Metrics.Path)
	}
	fmt.Println()
}

// envList turns the configured environment into KEY=VALUE entries in a
// stable order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + env[k]
	}
	return out
}
