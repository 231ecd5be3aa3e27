// ABOUTME: Entry point for coven-coordinator, the multi-agent coordination server
// ABOUTME: Wires config, storage, auth, routing, workflows, and the HTTP gateway

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/coven-coordinator/internal/a2a"
	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/dedupe"
	"github.com/2389/coven-coordinator/internal/gateway"
	"github.com/2389/coven-coordinator/internal/intent"
	"github.com/2389/coven-coordinator/internal/memory"
	"github.com/2389/coven-coordinator/internal/metrics"
	"github.com/2389/coven-coordinator/internal/orchestrator"
	"github.com/2389/coven-coordinator/internal/packs"
	"github.com/2389/coven-coordinator/internal/session"
	"github.com/2389/coven-coordinator/internal/store"
	"github.com/2389/coven-coordinator/internal/textgen"
	"github.com/2389/coven-coordinator/internal/workflow"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         ___ ___   ___  _ __ __| |
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \ / _ \| '__/ _' |
| (_| (_) \ V /  __/ | | |_____| (_| (_) | (_) | | | (_| |
 \___\___/ \_/ \___|_| |_|      \___\___/ \___/|_|  \__,_|
`

// adminTokenFile holds the coordinator's own admin token, next to the config.
const adminTokenFile = "admin.token"

var rootCmd = &cobra.Command{
	Use:           "coven-coordinator",
	Short:         "Coordinate specialized agents over A2A",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COVEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", defaultConfigPath(), "config file (env COVEN_CONFIG)")
	rootCmd.PersistentFlags().String("addr", "", "coordinator HTTP address for client commands (defaults to server.http_addr)")
	rootCmd.PersistentFlags().String("admin-token", "", "admin bearer token (defaults to the token file written by serve)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("admin-token", rootCmd.PersistentFlags().Lookup("admin-token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(versionCmd())
}

// defaultConfigPath returns XDG_CONFIG_HOME/coven/coordinator.yaml, falling
// back to ~/.config.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "coordinator.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "coordinator.yaml")
}

func configPath() string {
	return viper.GetString("config")
}

func adminTokenPath() string {
	return filepath.Join(filepath.Dir(configPath()), adminTokenFile)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	path := configPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Storage:   %s\n", cfg.Storage.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %s\n", strings.Join(cfg.AgentNames(), ", "))
	if cfg.Auth.RequireSignatures {
		yellow := color.New(color.FgYellow)
		yellow.Print("    ▶ ")
		fmt.Println("Signatures required on inbound messages")
	}
	fmt.Println()

	logger.Info("starting coven-coordinator",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"storage", cfg.Storage.Backend,
		"agents", len(cfg.Agents.Endpoints),
	)

	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	keys, err := auth.DeriveKeys([]byte(cfg.Auth.Secret))
	if err != nil {
		return fmt.Errorf("deriving keys: %w", err)
	}
	tokens := auth.NewTokenManager(auth.TokenConfig{
		Key:    keys.TokenKey,
		TTL:    cfg.Auth.TokenTTL,
		Logger: logger,
	})
	replay := dedupe.NewWindow(cfg.Auth.SignatureTolerance*2, 0)
	defer replay.Close()
	signer := auth.NewSigner(auth.SignerConfig{
		Key:       keys.SigningKey,
		Tolerance: cfg.Auth.SignatureTolerance,
		Replay:    replay,
	})
	seen := dedupe.NewWindow(cfg.Auth.TokenTTL, 0)
	defer seen.Close()

	m := metrics.New(prometheus.NewRegistry())

	router := a2a.NewRouter(a2a.RouterConfig{
		Timeout:       cfg.Agents.RequestTimeout,
		HealthTimeout: cfg.Agents.HealthTimeout,
		Signer:        signer,
		Retry:         cfg.RetryPolicy(),
		RateLimit:     rate.Limit(cfg.Agents.RateLimit),
		Burst:         cfg.Agents.Burst,
		Metrics:       m,
		Logger:        logger,
	})
	for _, name := range cfg.AgentNames() {
		router.Register(name, cfg.Agents.Endpoints[name])
	}
	registry := packs.Default(logger)

	classifier, err := intent.NewClassifier(nil, intent.WithMetrics(m), intent.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("loading intent patterns: %w", err)
	}
	gen, err := newGenerator(cfg.TextGen, logger)
	if err != nil {
		return fmt.Errorf("configuring text generation: %w", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Classifier:    classifier,
		Memory:        memory.NewService(memory.Config{Store: st, Logger: logger}),
		Generator:     gen,
		Catalog:       registry,
		MemoryBackend: cfg.Storage.Backend,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	sessions := session.NewManager(session.Config{
		Timeout: cfg.Sessions.Timeout,
		Store:   st,
		Logger:  logger,
	})
	if _, err := sessions.Restore(ctx); err != nil {
		logger.Warn("session restore failed, starting empty", "error", err)
	}

	workflows := workflow.NewCoordinator(workflow.Config{
		Sender:          router,
		Tools:           registry,
		Name:            cfg.Server.CoordinatorName,
		StepTimeout:     cfg.Workflow.StepTimeout,
		MaxRetries:      cfg.Workflow.MaxRetries,
		WorkflowTimeout: cfg.Workflow.WorkflowTimeout,
		Backoff:         cfg.RetryPolicy(),
		HaltPolicy:      cfg.Workflow.HaltPolicy,
		Store:           st,
		Metrics:         m,
		Logger:          logger,
	})
	defer workflows.Close()
	detach := func(id string, _ workflow.Execution) { sessions.DetachWorkflow(id) }
	workflows.OnStatus(workflow.StatusCompleted, detach)
	workflows.OnStatus(workflow.StatusFailed, detach)

	templates, err := cfg.Workflow.Definitions(registry)
	if err != nil {
		return fmt.Errorf("loading workflow templates: %w", err)
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Coordinator: coord,
		Workflows:   workflows,
		Templates:   templates,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	defer orch.Close()

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	gw, err := gateway.New(gateway.Config{
		Addr:              cfg.Server.HTTPAddr,
		Name:              cfg.Server.CoordinatorName,
		Version:           version,
		Router:            router,
		Packs:             registry,
		Coordinator:       coord,
		Orchestrator:      orch,
		Workflows:         workflows,
		Sessions:          sessions,
		Tokens:            tokens,
		Signer:            signer,
		RequireSignatures: cfg.Auth.RequireSignatures,
		Seen:              seen,
		Audit:             st,
		Metrics:           m,
		MetricsPath:       metricsPath,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if err := writeAdminToken(tokens, cfg.Server.CoordinatorName); err != nil {
		return err
	}
	logger.Info("admin token written", "path", adminTokenPath())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tokens.RunSweeper(gctx, cfg.Auth.SweepInterval)
		return nil
	})
	g.Go(func() error {
		sessions.Run(gctx, cfg.Sessions.CleanupInterval, cfg.Sessions.SnapshotInterval)
		return nil
	})
	g.Go(func() error {
		workflows.Run(gctx, cfg.Workflow.CleanupInterval, cfg.Workflow.Retention)
		return nil
	})
	g.Go(func() error {
		return gw.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("coven-coordinator stopped")
	return nil
}

// writeAdminToken issues the coordinator's own token, which carries
// system_management, and saves it for the token subcommands.
func writeAdminToken(tokens *auth.TokenManager, name string) error {
	tok, err := tokens.Issue(name)
	if err != nil {
		return fmt.Errorf("issuing admin token: %w", err)
	}
	path := adminTokenPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok.Value), 0600); err != nil {
		return fmt.Errorf("writing admin token: %w", err)
	}
	return nil
}

func newGenerator(cfg config.TextGenConfig, logger *slog.Logger) (textgen.Generator, error) {
	if cfg.Provider != config.ProviderOpenAI {
		return textgen.Nop{}, nil
	}
	return textgen.NewOpenAIFromKey(cfg.APIKey, textgen.OpenAIConfig{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
		Logger:      logger,
	})
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{level: level}
	}
	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
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

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	stdoutMu.Lock()
	defer stdoutMu.Unlock()
	_, err := fmt.Fprint(os.Stdout, buf.String())
	return err
}

// stdoutMu serializes writes from every derived colorHandler.
var stdoutMu sync.Mutex

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{level: h.level, attrs: h.attrs, groups: newGroups}
}
