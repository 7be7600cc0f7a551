// Harbinger bridges AI agent personas into chat channels.
//
// It supervises the platform daemons (signal-cli, the Discord gateway),
// routes allowed senders to persistent agent sessions, and exposes an
// administrative control plane over MQTT. One coordinator process per
// channel is enforced with a lease lock in a shared SQLite database.
//
// Usage:
//
//	harbinger serve          Start the channel coordinators
//	harbinger version        Print version and build information
//	harbinger -o json version   Output version information as JSON
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/harbinger-ai/harbinger/internal/agentexec"
	"github.com/harbinger-ai/harbinger/internal/bridge"
	"github.com/harbinger-ai/harbinger/internal/buildinfo"
	"github.com/harbinger-ai/harbinger/internal/config"
	"github.com/harbinger-ai/harbinger/internal/configsvc"
	"github.com/harbinger-ai/harbinger/internal/coord"
	"github.com/harbinger-ai/harbinger/internal/daemon"
	"github.com/harbinger-ai/harbinger/internal/discord"
	"github.com/harbinger-ai/harbinger/internal/events"
	"github.com/harbinger-ai/harbinger/internal/format"
	"github.com/harbinger-ai/harbinger/internal/route"
	"github.com/harbinger-ai/harbinger/internal/session"
	"github.com/harbinger-ai/harbinger/internal/signalcli"
	"github.com/harbinger-ai/harbinger/internal/storage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand. The flag package relies on package-level
// globals, which makes it impossible to call run concurrently from
// tests; the argument surface here is small enough that manual parsing
// is clearer than a CLI framework.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Harbinger - Channel Bridge Coordinator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: harbinger [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the channel coordinators")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./harbinger.yaml, ~/.config/harbinger/harbinger.yaml, /etc/harbinger/harbinger.yaml")
	return nil
}

// channelRuntime bundles one channel's lock, coordinator, and RPC
// handler so shutdown can walk them in order.
type channelRuntime struct {
	name  string
	lock  *coord.Lock
	coord *bridge.Coordinator
	rpc   *bridge.RPCHandler
}

// runServe is the primary operating mode: it loads config, acquires the
// per-channel singleton locks, wires the coordinators, and blocks until
// a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. RPC handlers unsubscribe, coordinators stop their event loops,
//     session hooks, and daemons
//  3. The MQTT availability topic flips to offline
//  4. The singleton locks are released last, so a standby process
//     cannot take over while this one is still draining
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Harbinger",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// The persisted instance id identifies this process across restarts:
	// it owns the singleton locks and names the MQTT session.
	instanceID, err := loadInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}
	logger.Info("instance identity", "id", instanceID)

	// --- Coordination database ---
	// Holds the singleton lock leases and the sticky routing bindings.
	// Every coordinator process that must exclude this one opens the
	// same file.
	coordDB, err := sql.Open("sqlite3", cfg.Coordination.LockDB)
	if err != nil {
		return fmt.Errorf("open coordination database %s: %w", cfg.Coordination.LockDB, err)
	}
	defer coordDB.Close()

	// --- Event bus ---
	// Operational events from every component, logged centrally.
	bus := events.New()
	eventCh := bus.Subscribe(64)
	defer bus.Unsubscribe(eventCh)
	go func() {
		for e := range eventCh {
			logger.Debug("event", "source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}()

	// --- Control-plane pub/sub ---
	pubsub := coord.NewMQTTPubSub(coord.MQTTConfig{
		Broker:            cfg.Coordination.Broker,
		Username:          cfg.Coordination.Username,
		Password:          cfg.Coordination.Password,
		ClientID:          "harbinger-" + instanceID,
		AvailabilityTopic: "harbinger/availability",
		Logger:            logger,
	})
	if err := pubsub.Start(ctx); err != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", cfg.Coordination.Broker, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pubsub.Stop(stopCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}()

	// --- Core collaborators ---
	configs := configsvc.New(cfg.ConfigService.BaseURL, cfg.ConfigService.Token, logger)

	runner := agentexec.NewClient(cfg.AgentRuntime.URL, cfg.AgentRuntime.Token, logger)
	if err := runner.Connect(ctx); err != nil {
		return fmt.Errorf("connect agent runtime %s: %w", cfg.AgentRuntime.URL, err)
	}
	defer runner.Close()

	var upload func(ctx context.Context, a session.Attachment) (storage.Object, error)
	if cfg.Storage.UploadURL != "" {
		store := storage.New(cfg.Storage.UploadURL, cfg.Storage.Token, logger)
		upload = func(ctx context.Context, a session.Attachment) (storage.Object, error) {
			return store.Upload(ctx, a.Filename, a.MimeType, bytes.NewReader(a.Data))
		}
	} else {
		logger.Warn("no storage endpoint configured, attachments will be dropped")
	}

	// --- Channel coordinators ---
	var runtimes []*channelRuntime

	if cfg.Channels.Signal.Account != "" {
		rt, err := startChannel(ctx, channelDeps{
			name:       "signal",
			adapter:    buildSignalAdapter(cfg.Channels.Signal, logger),
			target:     format.TargetSignal,
			receipts:   cfg.Channels.Signal.SendReadReceipts,
			rateLimit:  cfg.Channels.Signal.RateLimit,
			deviceName: cfg.Channels.Signal.DeviceName,
			cfg:        cfg,
			coordDB:    coordDB,
			instanceID: instanceID,
			configs:    configs,
			runner:     runner,
			upload:     upload,
			pubsub:     pubsub,
			bus:        bus,
			logger:     logger,
		})
		if err != nil {
			return err
		}
		if rt != nil {
			runtimes = append(runtimes, rt)
		}
	}

	if cfg.Channels.Discord.Token != "" {
		rt, err := startChannel(ctx, channelDeps{
			name:       "discord",
			adapter:    buildDiscordAdapter(cfg.Channels.Discord, logger),
			target:     format.TargetDiscord,
			rateLimit:  cfg.Channels.Discord.RateLimit,
			cfg:        cfg,
			coordDB:    coordDB,
			instanceID: instanceID,
			configs:    configs,
			runner:     runner,
			upload:     upload,
			pubsub:     pubsub,
			bus:        bus,
			logger:     logger,
		})
		if err != nil {
			return err
		}
		if rt != nil {
			runtimes = append(runtimes, rt)
		}
	}

	if len(runtimes) == 0 {
		logger.Warn("no channel became active; idling until shutdown")
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	for _, rt := range runtimes {
		rt.rpc.Stop()
		rt.coord.Stop()
	}
	// Locks go last: a standby must not take over mid-drain.
	for _, rt := range runtimes {
		rt.lock.Release()
		logger.Info("lock released", "channel", rt.name)
	}

	logger.Info("shutdown complete")
	return nil
}

// channelDeps is everything startChannel needs to bring one channel up.
type channelDeps struct {
	name       string
	adapter    bridge.Adapter
	target     format.Target
	receipts   bool
	rateLimit  int
	deviceName string

	cfg        *config.Config
	coordDB    *sql.DB
	instanceID string
	configs    *configsvc.Client
	runner     session.Runner
	upload     func(ctx context.Context, a session.Attachment) (storage.Object, error)
	pubsub     coord.PubSub
	bus        *events.Bus
	logger     *slog.Logger
}

// startChannel acquires the channel's singleton lock and, if won, wires
// its coordinator and RPC handler. Losing the lock is not an error: the
// channel is skipped and another process serves it.
func startChannel(ctx context.Context, deps channelDeps) (*channelRuntime, error) {
	logger := deps.logger

	// Losing the lease means another process is now the coordinator;
	// this one must stop routing immediately. The coordinator is built
	// after the lock, so the renew goroutine may fire OnLost before the
	// assignment below; coordMu covers that window.
	var (
		coordMu sync.Mutex
		c       *bridge.Coordinator
	)
	lock, err := coord.NewLock(coord.LockConfig{
		DB:    deps.coordDB,
		Name:  deps.name,
		Owner: deps.instanceID,
		TTL:   deps.cfg.Coordination.LockTTL(),
		OnLost: func() {
			deps.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceCoordinator,
				Kind:      events.KindLockLost,
				Data:      map[string]any{"channel": deps.name},
			})
			coordMu.Lock()
			stop := c
			coordMu.Unlock()
			if stop != nil {
				stop.Stop()
			}
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s lock: %w", deps.name, err)
	}

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire %s lock: %w", deps.name, err)
	}
	if !acquired {
		logger.Warn("another coordinator holds the channel lock; skipping",
			"channel", deps.name,
		)
		return nil, nil
	}
	deps.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCoordinator,
		Kind:      events.KindLockAcquired,
		Data:      map[string]any{"channel": deps.name, "owner": deps.instanceID},
	})

	stickyStore, err := route.NewStickyStore(deps.coordDB, deps.name)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("create %s sticky store: %w", deps.name, err)
	}

	built, err := bridge.New(bridge.Config{
		Adapter:          deps.adapter,
		Runner:           deps.runner,
		Configs:          deps.configs,
		StickyStore:      stickyStore,
		Supervisor:       daemon.NewSupervisor(daemon.Config{Logger: logger}),
		Upload:           deps.upload,
		Target:           deps.target,
		DefaultModel:     deps.cfg.AgentRuntime.DefaultModel,
		SendReadReceipts: deps.receipts,
		RateLimit:        deps.rateLimit,
		Bus:              deps.bus,
		Logger:           logger,
	})
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("build %s coordinator: %w", deps.name, err)
	}
	coordMu.Lock()
	c = built
	coordMu.Unlock()
	c.Start(ctx)

	rpc := bridge.NewRPCHandler(bridge.RPCConfig{
		PubSub:      deps.pubsub,
		Coordinator: c,
		LockHeld:    lock.Held,
		DeviceName:  deps.deviceName,
		Bus:         deps.bus,
		Logger:      logger,
	})
	if err := rpc.Start(ctx); err != nil {
		c.Stop()
		lock.Release()
		return nil, fmt.Errorf("start %s rpc handler: %w", deps.name, err)
	}

	logger.Info("channel active", "channel", deps.name, "mode", c.Mode().String())
	return &channelRuntime{name: deps.name, lock: lock, coord: c, rpc: rpc}, nil
}

func buildSignalAdapter(sc config.SignalConfig, logger *slog.Logger) bridge.Adapter {
	client := signalcli.NewClient(sc.Command, sc.Args, sc.Account, logger)
	return signalcli.NewAdapter(signalcli.Options{
		Client:               client,
		Account:              sc.Account,
		AttachmentsDir:       sc.AttachmentsDir,
		DefaultCountryPrefix: sc.DefaultCountryPrefix,
		Logger:               logger,
	})
}

func buildDiscordAdapter(dc config.DiscordConfig, logger *slog.Logger) bridge.Adapter {
	return discord.NewAdapter(discord.Options{
		Gateway: discord.NewGateway(dc.Token, "", logger),
		REST:    discord.NewREST(dc.Token, "", logger),
		GuildID: dc.GuildID,
		Logger:  logger,
	})
}

// loadInstanceID reads the persisted process identity, creating it on
// first run. UUIDv7 keeps ids sortable by creation time in logs.
func loadInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "instance-id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0600); err != nil {
		return "", err
	}
	return id.String(), nil
}

// newLogger standardizes the handler configuration: text output with
// the custom TRACE level rendered by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
