package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	DefaultCommand        = "meteor run"
	DefaultProductionFlag = "production"
	DefaultProbeTimeout   = 100 * time.Millisecond
	DefaultMaxRecords     = 1000
)

// Config holds the loader's own settings. The options sent by the parent
// during the handshake live in Options instead.
type Config struct {
	Command              []string
	ProductionFlag       string
	ReadyTimeout         time.Duration
	ProbeTimeout         time.Duration
	KillTimeout          time.Duration
	LogLevel             string
	FileOutput           string
	MaxRecordsFileOutput int
	LokiEndpoint         string
	MetricsPort          int
	RESTPort             int
}

// Default returns the settings used when neither flags nor a config file
// say otherwise.
func Default() Config {
	return Config{
		Command:              strings.Fields(DefaultCommand),
		ProductionFlag:       DefaultProductionFlag,
		ProbeTimeout:         DefaultProbeTimeout,
		MaxRecordsFileOutput: DefaultMaxRecords,
	}
}

// ForwardsOutput reports whether child output must be piped through the
// loader instead of inherited.
func (c Config) ForwardsOutput() bool {
	return c.FileOutput != "" || c.LokiEndpoint != ""
}

// Parse builds a Config from command-line arguments (without the program
// name). Values from -config are applied first; explicitly set flags win.
func Parse(args []string) (Config, error) {
	// Setting the process title later overwrites the memory os.Args points
	// into; the settings must not share it.
	owned := make([]string, len(args))
	for i, a := range args {
		owned[i] = strings.Clone(a)
	}
	args = owned

	fs := flag.NewFlagSet("meteor-loader", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPtr := fs.String("config", "", "INI or TOML file with loader settings")

	commandPtr := fs.String("command", DefaultCommand, "Application runtime command; -p <port> is appended")
	commandShorthandPtr := fs.String("c", "", "Shorthand for --command")

	productionFlagPtr := fs.String("production-flag", DefaultProductionFlag, "Argument appended when environment is production")

	readyTimeoutPtr := fs.Duration("ready-timeout", 0, "Abort if the child is not reachable in time (0 waits forever)")
	readyTimeoutShorthandPtr := fs.Duration("t", 0, "Shorthand for --ready-timeout")

	probeTimeoutPtr := fs.Duration("probe-timeout", DefaultProbeTimeout, "Bounded wait for a pending port probe")
	killTimeoutPtr := fs.Duration("kill-timeout", 0, "Send SIGKILL to the child group if it outlives SIGINT by this long (0 disables)")

	logLevelPtr := fs.String("log-level", "", "Log level (debug, info, warn, error); LOG_LEVEL env is the fallback")

	fileOutputPtr := fs.String("file-output", "", "File to record child output lines")
	fileOutputShorthandPtr := fs.String("o", "", "Shorthand for --file-output")

	maxRecordsPtr := fs.Int("max-records-fileoutput", DefaultMaxRecords, "Maximum records per file before rotation")
	maxRecordsShorthandPtr := fs.Int("n", 0, "Shorthand for --max-records-fileoutput")

	lokiEndpointPtr := fs.String("loki-endpoint", "", "URL of the Loki server push endpoint")
	lokiEndpointShorthandPtr := fs.String("l", "", "Shorthand for --loki-endpoint")

	metricsPortPtr := fs.Int("metrics-port", 0, "Port for Prometheus metrics endpoint (0 to disable)")

	restPortPtr := fs.Int("rest-port", 0, "Port for the status API (0 to disable)")
	restPortShorthandPtr := fs.Int("r", 0, "Shorthand for --rest-port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Usage: %s [options] < control-stream\n\nOptions:\n", fs.Name())
			fs.SetOutput(os.Stderr)
			fs.PrintDefaults()
		}
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Default()
	if *configPtr != "" {
		if err := LoadFile(&cfg, *configPtr); err != nil {
			return Config{}, err
		}
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["command"] || set["c"] {
		cfg.Command = strings.Fields(coalesceStr(*commandShorthandPtr, *commandPtr))
	}
	if set["production-flag"] {
		cfg.ProductionFlag = *productionFlagPtr
	}
	if set["ready-timeout"] || set["t"] {
		cfg.ReadyTimeout = coalesceDur(*readyTimeoutShorthandPtr, *readyTimeoutPtr)
	}
	if set["probe-timeout"] {
		cfg.ProbeTimeout = *probeTimeoutPtr
	}
	if set["kill-timeout"] {
		cfg.KillTimeout = *killTimeoutPtr
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevelPtr
	}
	if set["file-output"] || set["o"] {
		cfg.FileOutput = coalesceStr(*fileOutputShorthandPtr, *fileOutputPtr)
	}
	if set["max-records-fileoutput"] || set["n"] {
		cfg.MaxRecordsFileOutput = coalesce(*maxRecordsShorthandPtr, *maxRecordsPtr)
	}
	if set["loki-endpoint"] || set["l"] {
		cfg.LokiEndpoint = coalesceStr(*lokiEndpointShorthandPtr, *lokiEndpointPtr)
	}
	if set["metrics-port"] {
		cfg.MetricsPort = *metricsPortPtr
	}
	if set["rest-port"] || set["r"] {
		cfg.RESTPort = coalesce(*restPortShorthandPtr, *restPortPtr)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = os.Getenv("LOG_LEVEL")
	}
	if cfg.MaxRecordsFileOutput <= 0 {
		cfg.MaxRecordsFileOutput = DefaultMaxRecords
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Command) == 0 {
		return errors.New("command must not be empty")
	}
	if c.ReadyTimeout < 0 || c.KillTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.MetricsPort < 0 || c.RESTPort < 0 {
		return errors.New("ports must not be negative")
	}
	return nil
}

// InitLogger installs the default slog logger. Logs go to stderr because
// stdout carries the control protocol.
func InitLogger(levelStr string) {
	level := slog.LevelInfo
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func coalesce(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func coalesceStr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func coalesceDur(a, b time.Duration) time.Duration {
	if a != 0 {
		return a
	}
	return b
}
