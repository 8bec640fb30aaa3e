// Weatherbridge polls a weather provider for a set of configured
// locations and publishes current conditions and a multi-day forecast
// to Home Assistant over MQTT.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	weatherbridge serve               Poll and publish until stopped
//	weatherbridge fetch [device-id]   Run one poll cycle and print the results
//	weatherbridge init [dir]          Write an example config file
//	weatherbridge version             Print version and build information
//	weatherbridge -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/weatherbridge/internal/buildinfo"
	"github.com/nugget/weatherbridge/internal/config"
	"github.com/nugget/weatherbridge/internal/connwatch"
	"github.com/nugget/weatherbridge/internal/httpkit"
	"github.com/nugget/weatherbridge/internal/mqtt"
	"github.com/nugget/weatherbridge/internal/poller"
	"github.com/nugget/weatherbridge/internal/weather"
)

// main builds the OS-level environment and hands off to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; fatal
// errors are returned to main. Arguments are parsed by hand so run can
// be called concurrently from tests without flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

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
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, stderr, configPath)
	case "fetch":
		var deviceID string
		if len(cmdArgs) > 0 {
			deviceID = cmdArgs[0]
		}
		return runFetch(ctx, stdout, stderr, configPath, outputFmt, deviceID)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Weatherbridge - weather forecasts for Home Assistant over MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: weatherbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Poll and publish until stopped (SIGHUP reloads devices)")
	fmt.Fprintln(w, "  fetch [device-id]  Run one poll cycle and print the sensor values")
	fmt.Fprintln(w, "  init [dir]         Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/weatherbridge/config.yaml, /etc/weatherbridge/config.yaml")
	return nil
}

// runServe is the primary operating mode. It connects to the broker,
// starts the poll loop, and blocks until SIGINT or SIGTERM. SIGHUP
// re-reads the config file and replaces the device list.
//
// Shutdown publishes "offline" availability before disconnecting, so
// HA marks every sensor unavailable right away instead of waiting for
// the broker to fire the will message.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting weatherbridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"devices", len(cfg.Devices),
		"interval", cfg.Weather.Interval.String(),
	)

	if !cfg.MQTT.Configured() {
		return errors.New("mqtt.broker is required for serve (use fetch to test without a broker)")
	}

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	pub := mqtt.New(cfg.MQTT, instanceID, logger)
	pub.SetDeviceNames(deviceNames(cfg.Devices))

	p := poller.New(pollerConfig(cfg), &busHost{pub: pub}, newWeatherClient(cfg, logger), logger)
	p.SetDevices(devicesFromConfig(cfg.Devices))
	pub.OnRefresh(p.Refresh)
	// Republish after the broker may have dropped retained state.
	pub.OnReconnect(p.Refresh)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt publisher: %w", err)
	}
	logger.Info("mqtt publishing enabled",
		"broker", cfg.MQTT.Broker,
		"topic_prefix", cfg.MQTT.TopicPrefix,
		"discovery_prefix", cfg.MQTT.DiscoveryPrefix,
	)

	broker := connwatch.Watch(ctx, connwatch.Config{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			return pub.AwaitConnection(pCtx)
		},
		ProbeTimeout: 2 * time.Second,
		Logger:       logger,
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go watchReload(ctx, hup, cfgPath, p, pub, logger)

	p.Run(ctx)
	logger.Info("shutdown signal received")
	broker.Wait()
	logBrokerHealth(logger, broker)

	offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer offlineCancel()
	if err := pub.Stop(offlineCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}

	logger.Info("weatherbridge stopped")
	return nil
}

// logBrokerHealth reports the last known broker state, so a shutdown
// during an outage says why the offline message may not arrive.
func logBrokerHealth(logger *slog.Logger, w *connwatch.Watcher) {
	if w.IsReady() {
		logger.Debug("mqtt broker reachable at shutdown")
		return
	}
	s := w.Status()
	logger.Warn("mqtt broker unreachable at shutdown",
		"last_check", s.LastCheck, "last_error", s.LastError)
}

// watchReload replaces the device list each time a signal arrives on
// sig. A config file that fails to load or validate is logged and the
// running device list is kept.
func watchReload(ctx context.Context, sig <-chan os.Signal, cfgPath string, p *poller.Poller, pub *mqtt.Publisher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := reloadDevices(cfgPath, p, pub); err != nil {
				logger.Error("config reload failed, keeping current devices", "path", cfgPath, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", cfgPath, "devices", len(p.Devices()))
		}
	}
}

// reloadDevices re-reads cfgPath and hands its device list to the
// poller. Only devices are reloaded; broker and schedule changes need a
// restart.
func reloadDevices(cfgPath string, p *poller.Poller, pub *mqtt.Publisher) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if pub != nil {
		pub.SetDeviceNames(deviceNames(cfg.Devices))
	}
	p.SetDevices(devicesFromConfig(cfg.Devices))
	return nil
}

// runFetch runs a single poll cycle with results printed to stdout
// instead of published. Logs go to stderr so stdout stays parseable.
// With deviceID set, only that device is polled. Returns an error when
// every polled device failed.
func runFetch(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt, deviceID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	devices := devicesFromConfig(cfg.Devices)
	if deviceID != "" {
		devices = filterDevices(devices, deviceID)
		if len(devices) == 0 {
			return fmt.Errorf("unknown device: %s", deviceID)
		}
	}
	if len(devices) == 0 {
		return errors.New("no devices configured")
	}

	host := &printHost{w: stdout, format: outputFmt}
	p := poller.New(pollerConfig(cfg), host, newWeatherClient(cfg, logger), logger)
	p.SetDevices(devices)

	results := p.PollAll(ctx)

	var errs []error
	for _, r := range results {
		if r.Outcome == poller.OutcomeFailed {
			errs = append(errs, fmt.Errorf("%s: %w", r.Device, r.Err))
		}
	}
	if len(results) > 0 && len(errs) == len(results) {
		return fmt.Errorf("fetch failed: %w", errors.Join(errs...))
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; anything else
// falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already validated by config.Validate.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func pollerConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		Interval:     cfg.Weather.Interval,
		Tick:         cfg.Weather.Tick,
		RetryDelay:   cfg.Weather.RetryDelay,
		FetchTimeout: cfg.Weather.FetchTimeout,
		MaxAttempts:  cfg.Weather.MaxAttempts,
	}
}

func newWeatherClient(cfg *config.Config, logger *slog.Logger) *weather.Client {
	return weather.NewClient(cfg.Weather.BaseURL, cfg.Weather.RateLimit, cfg.Weather.RateBurst, logger,
		httpkit.WithTimeout(cfg.Weather.FetchTimeout),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
	)
}
