// ABOUTME: Entry point for the warroom-gateway meeting server
// ABOUTME: Wires the store, repository, adapter chain, scheduler, and HTTP surface

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/warroom-gateway/internal/adapter"
	"github.com/2389/warroom-gateway/internal/bus"
	"github.com/2389/warroom-gateway/internal/config"
	"github.com/2389/warroom-gateway/internal/gateway"
	"github.com/2389/warroom-gateway/internal/room"
	"github.com/2389/warroom-gateway/internal/scheduler"
	"github.com/2389/warroom-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
__      ____ _ _ __ _ __ ___   ___  _ __ ___
\ \ /\ / / _' | '__| '__/ _ \ / _ \| '_ ' _ \
 \ V  V / (_| | |  | | | (_) | (_) | | | | | |
  \_/\_/ \__,_|_|  |_|  \___/ \___/|_| |_| |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: WARROOM_CONFIG env var > XDG_CONFIG_HOME/warroom/gateway.yaml > ~/.config/warroom/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARROOM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warroom", "gateway.yaml")
}

// getDataPath returns the path to the warroom data directory.
// Priority: XDG_DATA_HOME/warroom > ~/.local/share/warroom
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "warroom")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: warroom-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the meeting server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting warroom-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Database.MaxBytes)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	b := bus.NewBroadcaster(logger)

	repo, err := room.NewRepository(ctx, st, b, logger)
	if err != nil {
		return fmt.Errorf("loading meetings: %w", err)
	}

	defaultPolicy := store.Policy{
		MaxRounds:      cfg.Policy.MaxRounds,
		TimeoutSec:     cfg.Policy.TimeoutSec,
		HostPriority:   cfg.Policy.HostPriority,
		AutoRoundRobin: cfg.Policy.AutoRoundRobin,
	}
	if repo.Count() == 0 {
		m, err := repo.SeedDefaultMeeting(ctx, defaultPolicy)
		if err != nil {
			return fmt.Errorf("seeding default meeting: %w", err)
		}
		logger.Info("seeded default meeting", "meeting_id", m.ID, "title", m.Title)
	}

	var primary adapter.Backend
	if cfg.Adapter.Bin != "" {
		primary = adapter.NewProcessBackend(cfg.Adapter.Bin, logger)
	} else {
		logger.Warn("no adapter binary configured, using built-in replies")
		primary = adapter.NewScriptedBackend("builtin-primary", nil)
	}
	rescue := adapter.NewScriptedBackend("builtin-rescue", nil)

	producer := adapter.NewGateway(primary, rescue, repo, nil,
		cfg.Adapter.AgentID, cfg.Adapter.AltAgentID, logger)

	sched := scheduler.New(repo, producer, scheduler.Config{
		Debounce:            cfg.Scheduler.Debounce,
		InteractiveTimeout:  cfg.Scheduler.InteractiveTimeout,
		BackgroundTimeout:   cfg.Scheduler.BackgroundTimeout,
		StagnationThreshold: cfg.Scheduler.StagnationThreshold,
		Selection:           cfg.Scheduler.Selection,
		TieBreaks:           cfg.Scheduler.TieBreaks,
		StrongHostBias:      cfg.Scheduler.StrongHostBias,
	}, logger)

	server := gateway.New(cfg.Server, repo, sched, b, logger)
	return server.Run(ctx)
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

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
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

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("warroom-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "warroom.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Adapter
	fmt.Println("\n--- Adapter Configuration ---")
	adapterBin := prompt(reader, "Adapter binary (leave empty for built-in replies)", "")
	agentID := prompt(reader, "Primary agent id", "meeting-agent")
	altAgentID := prompt(reader, "Alternate agent id", "meeting-agent-alt")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# warroom-gateway configuration\n")
	cfg.WriteString("# Generated by warroom-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("  max_bytes: 52428800\n")
	cfg.WriteString("\n")

	cfg.WriteString("policy:\n")
	cfg.WriteString("  max_rounds: 6\n")
	cfg.WriteString("  timeout_sec: 25\n")
	cfg.WriteString("  host_priority: true\n")
	cfg.WriteString("  auto_round_robin: false\n")
	cfg.WriteString("\n")

	cfg.WriteString("scheduler:\n")
	cfg.WriteString("  debounce: \"700ms\"\n")
	cfg.WriteString("  interactive_timeout: \"15s\"\n")
	cfg.WriteString("  stagnation_threshold: 2\n")
	cfg.WriteString("  selection: \"balanced\"\n")
	cfg.WriteString("  tie_breaks: [\"cursor\", \"last_speaker\"]\n")
	cfg.WriteString("  strong_host_bias: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("adapter:\n")
	if adapterBin != "" {
		cfg.WriteString(fmt.Sprintf("  bin: \"%s\"\n", adapterBin))
	}
	cfg.WriteString(fmt.Sprintf("  agent_id: \"%s\"\n", agentID))
	cfg.WriteString(fmt.Sprintf("  alt_agent_id: \"%s\"\n", altAgentID))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  warroom-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
