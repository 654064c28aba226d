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
	"syscall"

	"github.com/nugget/soilcast/internal/buildinfo"
	"github.com/nugget/soilcast/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a run error to the process exit status: 2 for a
// missing endpoint or incomplete credentials, 1 for everything else.
func exitCode(err error) int {
	if errors.Is(err, config.ErrMissingCredentials) || errors.Is(err, config.ErrMissingEndpoint) {
		return 2
	}
	return 1
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if opts.help {
		return printUsage(stdout)
	}

	switch opts.command {
	case "", "run":
		return runDaemon(ctx, stdout, opts)
	case "publish":
		if len(opts.cmdArgs) != 2 {
			return fmt.Errorf("usage: soilcast publish <topic> <json>")
		}
		return runPublish(ctx, stdout, opts, opts.cmdArgs[0], opts.cmdArgs[1])
	case "shadow":
		if len(opts.cmdArgs) != 1 || (opts.cmdArgs[0] != "get" && opts.cmdArgs[0] != "delete") {
			return fmt.Errorf("usage: soilcast shadow get|delete")
		}
		return runShadow(ctx, stdout, opts, opts.cmdArgs[0])
	case "init":
		dir := "."
		if len(opts.cmdArgs) > 0 {
			dir = opts.cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.output)
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}
}

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

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "soilcast - soil moisture telemetry with device shadow sync")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: soilcast [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                    Sample the sensor and publish (default)")
	fmt.Fprintln(w, "  publish <topic> <json> Publish one telemetry message and exit")
	fmt.Fprintln(w, "  shadow get|delete      Fetch or delete the device shadow and exit")
	fmt.Fprintln(w, "  init [dir]             Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>         Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -e, --endpoint <host>  Broker endpoint")
	fmt.Fprintln(w, "  -r, --rootCA <path>    Root CA certificate")
	fmt.Fprintln(w, "  -c, --cert <path>      Client certificate")
	fmt.Fprintln(w, "  -k, --key <path>       Client private key")
	fmt.Fprintln(w, "  -p, --port <n>         Broker port (default 8883)")
	fmt.Fprintln(w, "  -n, --thingName <name> Thing name (default Bot)")
	fmt.Fprintln(w, "  -id, --clientId <id>   MQTT client ID")
	fmt.Fprintln(w, "  -o, --output <fmt>     Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  1. -config flag")
	for i, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %d. %s\n", i+2, p)
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file, applies
// command-line overrides and validates the result. With no file found,
// soilcast runs from defaults and flags.
func loadConfig(opts options) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(opts.configPath)
	if err != nil {
		return nil, "", err
	}

	cfg := config.Default()
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	opts.apply(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// newLogger builds the configured logger. Validate has already checked
// the level name.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}
