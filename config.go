package tracehook

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kzs0/tracehook/config"
	"github.com/kzs0/tracehook/log"
	"github.com/kzs0/tracehook/propagation"
	"github.com/kzs0/tracehook/server"
)

// Config configures the Engine.
type Config struct {
	// Service is the name of the instrumented service.
	Service string `yaml:"service" env:"TRACEHOOK_SERVICE" default:"unknown"`
	Env     string `yaml:"env" env:"TRACEHOOK_ENV"`
	Version string `yaml:"version" env:"TRACEHOOK_VERSION"`

	// TraceEnabled turns the whole engine off when false. Calls still run, untraced.
	TraceEnabled bool `yaml:"traceEnabled" env:"TRACEHOOK_TRACE_ENABLED" default:"true"`

	// Propagation schemes, in priority order: datadog, tracecontext.
	PropagationInject  []string `yaml:"propagationInject" env:"TRACEHOOK_PROPAGATION_INJECT" default:"[\"datadog\",\"tracecontext\"]"`
	PropagationExtract []string `yaml:"propagationExtract" env:"TRACEHOOK_PROPAGATION_EXTRACT" default:"[\"datadog\",\"tracecontext\"]"`

	// DisabledIntegrations lists integrations that must not load.
	DisabledIntegrations []string `yaml:"disabledIntegrations" env:"TRACEHOOK_DISABLED_INTEGRATIONS"`
	// IntegrationsFile is an optional YAML integration manifest.
	IntegrationsFile string `yaml:"integrationsFile" env:"TRACEHOOK_INTEGRATIONS_FILE"`

	// Logging configuration
	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"logLevel" env:"TRACEHOOK_LOG_LEVEL" default:"info"`
	// LogFormat is "json" or "console".
	LogFormat      string `yaml:"logFormat" env:"TRACEHOOK_LOG_FORMAT" default:"json"`
	LogDevelopment bool   `yaml:"logDevelopment" env:"TRACEHOOK_LOG_DEVELOPMENT"`

	// Server configuration
	// ServerEnabled starts the debug server on Boot.
	ServerEnabled bool   `yaml:"serverEnabled" env:"TRACEHOOK_SERVER_ENABLED" default:"false"`
	ServerAddr    string `yaml:"serverAddr" env:"TRACEHOOK_SERVER_ADDR" default:":9464"`
	// ServerPprof enables /debug/pprof endpoints.
	ServerPprof bool `yaml:"serverPprof" env:"TRACEHOOK_SERVER_PPROF" default:"true"`

	// ShutdownTimeout bounds Shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"TRACEHOOK_SHUTDOWN_TIMEOUT" default:"10s"`
	// CloseSpansOnExit closes the spans of in-flight calls when the process exits
	// through atexit.
	CloseSpansOnExit bool `yaml:"closeSpansOnExit" env:"TRACEHOOK_CLOSE_SPANS_ON_EXIT" default:"true"`
}

// DefaultConfig returns the configuration with every default applied and no
// environment read.
func DefaultConfig() Config {
	return Config{
		Service:            "unknown",
		TraceEnabled:       true,
		PropagationInject:  []string{"datadog", "tracecontext"},
		PropagationExtract: []string{"datadog", "tracecontext"},
		LogLevel:           "info",
		LogFormat:          "json",
		ServerAddr:         ":9464",
		ServerPprof:        true,
		ShutdownTimeout:    10 * time.Second,
		CloseSpansOnExit:   true,
	}
}

// LoadConfig reads the configuration from defaults, the optional YAML file, the
// optional .env files and the environment.
func LoadConfig(file string, dotenv ...string) (Config, error) {
	opts := []config.Option{config.WithFile(file)}
	if len(dotenv) > 0 {
		opts = append(opts, config.WithDotEnv(dotenv...))
	}
	cfg, err := config.Load[Config](opts...)
	if err != nil {
		return Config{}, fmt.Errorf("tracehook: failed to load config: %w", err)
	}
	return cfg, nil
}

// FromEnv loads configuration from environment variables only.
func FromEnv() (Config, error) {
	return LoadConfig("")
}

// MustFromEnv loads configuration from environment variables, panicking on error.
func MustFromEnv() Config {
	cfg, err := FromEnv()
	if err != nil {
		panic(err)
	}
	return cfg
}

// IntegrationEnabled reports whether the named integration may load. It is disabled
// by DisabledIntegrations or by TRACEHOOK_<NAME>_ENABLED=false.
func (c Config) IntegrationEnabled(name string) bool {
	for _, d := range c.DisabledIntegrations {
		if strings.EqualFold(d, name) {
			return false
		}
	}
	if v, ok := os.LookupEnv(integrationEnvVar(name)); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			return enabled
		}
	}
	return true
}

func integrationEnvVar(name string) string {
	upper := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return "TRACEHOOK_" + upper + "_ENABLED"
}

// propagationConfig parses the configured scheme names.
func (c Config) propagationConfig() (propagation.Config, error) {
	inject, err := propagation.ParseSchemes(c.PropagationInject)
	if err != nil {
		return propagation.Config{}, fmt.Errorf("propagation inject: %w", err)
	}
	extract, err := propagation.ParseSchemes(c.PropagationExtract)
	if err != nil {
		return propagation.Config{}, fmt.Errorf("propagation extract: %w", err)
	}
	return propagation.Config{Inject: inject, Extract: extract}, nil
}

// logConfig returns a log.Config from the Config fields.
func (c Config) logConfig() log.Config {
	return log.Config{
		Level:       c.LogLevel,
		Format:      c.LogFormat,
		Development: c.LogDevelopment,
	}
}

// serverConfig returns a server.Config from the Config fields.
func (c Config) serverConfig() server.Config {
	return server.Config{
		Addr:            c.ServerAddr,
		EnablePprof:     c.ServerPprof,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}
