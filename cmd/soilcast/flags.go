package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/soilcast/internal/config"
)

// options is the parsed command line. Override fields are empty when
// the flag was not given.
type options struct {
	configPath string
	output     string
	command    string
	cmdArgs    []string
	help       bool

	endpoint string
	rootCA   string
	cert     string
	key      string
	port     int
	thing    string
	clientID string
}

// valueFlags maps every accepted spelling to the option it sets. The
// short and camel-case long forms match the device SDK samples.
var valueFlags = map[string]string{
	"-config":      "config",
	"--config":     "config",
	"-o":           "output",
	"--output":     "output",
	"-e":           "endpoint",
	"--endpoint":   "endpoint",
	"-r":           "rootCA",
	"--rootCA":     "rootCA",
	"-c":           "cert",
	"--cert":       "cert",
	"-k":           "key",
	"--key":        "key",
	"-p":           "port",
	"--port":       "port",
	"-n":           "thingName",
	"--thingName":  "thingName",
	"-id":          "clientId",
	"--clientId":   "clientId",
	"--client-id":  "clientId",
	"--thing-name": "thingName",
}

func parseArgs(args []string) (options, error) {
	var opts options

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "-help" || arg == "--help":
			opts.help = true
			continue
		case !strings.HasPrefix(arg, "-") || arg == "-":
			if opts.command == "" {
				opts.command = arg
			} else {
				opts.cmdArgs = append(opts.cmdArgs, arg)
			}
			continue
		}

		name, value, hasValue := strings.Cut(arg, "=")
		key, ok := valueFlags[name]
		if !ok {
			if opts.command != "" {
				opts.cmdArgs = append(opts.cmdArgs, arg)
				continue
			}
			return options{}, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return options{}, fmt.Errorf("flag %s requires a value", name)
			}
			i++
			value = args[i]
		}
		if err := opts.set(key, value); err != nil {
			return options{}, err
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return options{}, fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}
	return opts, nil
}

func (o *options) set(key, value string) error {
	switch key {
	case "config":
		o.configPath = value
	case "output":
		o.output = value
	case "endpoint":
		o.endpoint = value
	case "rootCA":
		o.rootCA = value
	case "cert":
		o.cert = value
	case "key":
		o.key = value
	case "port":
		p, err := strconv.Atoi(value)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid port %q", value)
		}
		o.port = p
	case "thingName":
		o.thing = value
	case "clientId":
		o.clientID = value
	}
	return nil
}

// apply writes the command-line overrides into cfg. Topics derived
// from the old thing name follow a renamed thing.
func (o options) apply(cfg *config.Config) {
	if o.endpoint != "" {
		cfg.Broker.Endpoint = o.endpoint
	}
	if o.rootCA != "" {
		cfg.Credentials.RootCA = o.rootCA
	}
	if o.cert != "" {
		cfg.Credentials.Cert = o.cert
	}
	if o.key != "" {
		cfg.Credentials.Key = o.key
	}
	if o.port != 0 {
		cfg.Broker.Port = o.port
	}
	if o.clientID != "" {
		cfg.Broker.ClientID = o.clientID
	}
	if o.thing != "" && o.thing != cfg.Thing.Name {
		old := cfg.Thing.Name
		cfg.Thing.Name = o.thing
		if cfg.Telemetry.Topic == old+"/data" {
			cfg.Telemetry.Topic = o.thing + "/data"
		}
		if cfg.Health.Topic == old+"/health" {
			cfg.Health.Topic = o.thing + "/health"
		}
	}
}
