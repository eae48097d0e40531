// invoxia-ha mirrors Invoxia GPS trackers into Home Assistant.
//
// It polls the Invoxia cloud API for each tracker's latest position and
// battery level every five minutes, and publishes every tracker to Home
// Assistant as a device_tracker entity through MQTT discovery. A small
// HTTP API exposes tracker state, service health, Prometheus metrics,
// and a live event stream. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	invoxia-ha serve              Start polling and publishing
//	invoxia-ha init [dir]         Write an example config to dir
//	invoxia-ha trackers           List trackers with a fresh position each
//	invoxia-ha version            Print version and build information
//	invoxia-ha -o json trackers   Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/invoxia-ha/internal/api"
	"github.com/nugget/invoxia-ha/internal/buildinfo"
	"github.com/nugget/invoxia-ha/internal/config"
	"github.com/nugget/invoxia-ha/internal/connwatch"
	"github.com/nugget/invoxia-ha/internal/events"
	"github.com/nugget/invoxia-ha/internal/integration"
	"github.com/nugget/invoxia-ha/internal/invoxia"
	"github.com/nugget/invoxia-ha/internal/mqtt"
	"github.com/nugget/invoxia-ha/internal/opstate"
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliArgs is the parsed command line.
type cliArgs struct {
	configPath string
	output     string // text or json
	help       bool
	command    string
	rest       []string
}

// flagValue matches args[i] against "-name value" or "-name=value" for
// any of names. It returns the value and how many args it consumed.
func flagValue(args []string, i int, names ...string) (string, int, bool) {
	for _, name := range names {
		if v, ok := strings.CutPrefix(args[i], name+"="); ok {
			return v, 1, true
		}
		if args[i] == name && i+1 < len(args) {
			return args[i+1], 2, true
		}
	}
	return "", 0, false
}

// parseArgs reads os.Args[1:]. Flags may come before or after the
// command; anything else after the command is passed to it. The flag
// package is avoided so tests can run commands in parallel.
func parseArgs(args []string) (cliArgs, error) {
	c := cliArgs{output: "text"}
	for i := 0; i < len(args); {
		if v, n, ok := flagValue(args, i, "-config", "--config"); ok {
			c.configPath, i = v, i+n
			continue
		}
		if v, n, ok := flagValue(args, i, "-o", "--output"); ok {
			c.output, i = v, i+n
			continue
		}
		arg := args[i]
		i++
		switch {
		case arg == "-h" || arg == "-help" || arg == "--help":
			c.help = true
		case c.command == "" && strings.HasPrefix(arg, "-"):
			return c, fmt.Errorf("unknown flag: %s", arg)
		case c.command == "":
			c.command = arg
		default:
			c.rest = append(c.rest, arg)
		}
	}
	if c.output != "text" && c.output != "json" {
		return c, fmt.Errorf("unknown output format: %q (expected text or json)", c.output)
	}
	return c, nil
}

// run executes one invoxia-ha command. Cancelling ctx shuts serve down
// gracefully. Logs go to stdout, command output to stdout, and fatal
// errors are returned.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	c, err := parseArgs(args)
	if err != nil {
		return err
	}
	if c.help {
		return printUsage(stdout)
	}

	switch c.command {
	case "serve":
		return runServe(ctx, stdout, stderr, c.configPath)
	case "init":
		dir := "."
		if len(c.rest) > 0 {
			dir = c.rest[0]
		}
		return runInit(stdout, dir)
	case "trackers":
		return runTrackers(ctx, stdout, stderr, c.configPath, c.output)
	case "version":
		return runVersion(stdout, c.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", c.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintf(w, "invoxia-ha %s\n", info.Version)
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "  commit:\t%s\n", info.GitCommit)
	if info.GitBranch != "" {
		fmt.Fprintf(tw, "  branch:\t%s\n", info.GitBranch)
	}
	fmt.Fprintf(tw, "  built:\t%s\n", info.BuildTime)
	fmt.Fprintf(tw, "  go_version:\t%s\n", info.GoVersion)
	fmt.Fprintf(tw, "  platform:\t%s\n", info.Platform)
	return tw.Flush()
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "invoxia-ha - Invoxia GPS trackers for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: invoxia-ha [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll trackers and publish them to Home Assistant")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  trackers     List trackers with their current position")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Config file (default: first found in search order)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runTrackers handles "invoxia-ha trackers". It sets up a config entry
// without MQTT, which runs one refresh per tracker, prints the result,
// and unloads.
func runTrackers(ctx context.Context, w io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Only warnings reach the terminal unless debug logging is asked for.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if level > slog.LevelDebug {
		level = max(level, slog.LevelWarn)
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	client := invoxia.NewClient(cfg.Invoxia.URL, cfg.Invoxia.Token, logger)
	entry, err := integration.Setup(ctx, integration.Config{
		EntryID:  "cli",
		Provider: client,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer entry.Unload()

	snaps := entry.Snapshot()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tLATITUDE\tLONGITUDE\tACCURACY\tBATTERY\tSTATUS")
	for _, s := range snaps {
		status := "ok"
		if s.LastError != "" {
			status = s.LastError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.6f\t%.6f\t%dm\t%d%%\t%s\n",
			s.UniqueID, s.Name, s.Type, s.Latitude, s.Longitude,
			s.LocationAccuracy, s.BatteryLevel, status)
	}
	return tw.Flush()
}

// runServe handles "invoxia-ha serve", the primary operating mode: loads
// config, opens operational state, starts the MQTT publisher and the
// status API, sets up the config entry, and polls until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The config entry unloads: polling stops and every tracker is
//     marked unavailable in Home Assistant
//  3. The bridge publishes its offline status and disconnects
//  4. The API server drains in-flight requests
//  5. Watchers and the state database are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	info := buildinfo.Get()
	logger.Info("starting invoxia-ha", "version", info.Version, "commit", info.GitCommit, "built", info.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	logger = cfg.Logger(stdout)

	logger.Info("config loaded",
		"path", cfgPath,
		"invoxia_url", cfg.Invoxia.URL,
		"port", cfg.Listen.Port,
		"mqtt", cfg.MQTT.Configured(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	// The state database holds the bridge instance ID and the discovery
	// registry.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	statePath := filepath.Join(cfg.DataDir, "state.db")
	store, err := opstate.NewStore(statePath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", statePath, err)
	}
	defer store.Close()
	logger.Info("state database opened", "path", statePath)

	bus := events.New()

	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()

	// --- Tracker API ---
	client := invoxia.NewClient(cfg.Invoxia.URL, cfg.Invoxia.Token, logger)
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "invoxia",
		Probe:   client.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	// --- MQTT publisher ---
	// Optional: without a broker the bridge still polls and serves the
	// status API, but nothing reaches Home Assistant.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(store)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		registry := opstate.NewDiscoveryRegistry(store)
		mqttPub = mqtt.New(cfg.MQTT, instanceID, registry, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"discovery_prefix", cfg.MQTT.DiscoveryPrefix,
			"node_id", cfg.MQTT.NodeID,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Status API ---
	// Started before setup so /health answers while the tracker API is
	// still unreachable.
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger)
	server.SetHealth(connMgr)
	server.SetEventBus(bus)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			logger.Error("API server failed", "error", err)
			cancel()
		}
		serverErr <- err
	}()

	// --- Config entry ---
	setupCfg := integration.Config{
		EntryID:  cfg.MQTT.NodeID,
		Provider: client,
		Bus:      bus,
		Logger:   logger,
	}
	if mqttPub != nil {
		setupCfg.Registrar = mqttPub
		setupCfg.Notifier = mqttPub
	}

	entry, err := setupWithRetry(ctx, setupCfg, connwatch.DefaultBackoffConfig(), logger)
	if err == nil {
		server.SetTrackers(entry)
		entry.Run(ctx)
	}

	logger.Info("shutdown signal received")

	if entry != nil {
		entry.Unload()
	}

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		offlineCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	if sErr := <-serverErr; sErr != nil {
		return fmt.Errorf("server failed: %w", sErr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("invoxia-ha stopped")
	return nil
}

// setupWithRetry sets up the config entry, retrying with exponential
// backoff while the tracker list cannot be fetched. It returns ctx's
// error once ctx is cancelled.
func setupWithRetry(ctx context.Context, cfg integration.Config, backoff connwatch.BackoffConfig, logger *slog.Logger) (*integration.Entry, error) {
	delay := backoff.InitialDelay
	for attempt := 1; ; attempt++ {
		entry, err := integration.Setup(ctx, cfg)
		if err == nil {
			return entry, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.Warn("config entry setup failed, retrying",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !connwatch.Sleep(ctx, delay) {
			return nil, ctx.Err()
		}
		delay = backoff.Next(delay)
	}
}

// loadConfig finds and loads the config file: explicit if set,
// otherwise the first of [config.DefaultSearchPaths] that exists.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}
