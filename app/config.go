package app

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/zachfi/icyrelay/modules/relay"
)

const (
	defaultListenAddress = "0.0.0.0"
	defaultListenPort    = 8080
)

type Config struct {
	Target   string         `yaml:"target"`
	LogLevel string         `yaml:"log-level,omitempty"`
	Tracing  tracing.Config `yaml:"tracing,omitempty"`
	Server   server.Config  `yaml:"server,omitempty"`
	Relay    relay.Config   `yaml:"relay,omitempty"`
}

// LoadConfig receives a file path for a configuration to load.
func LoadConfig(file string) (Config, error) {
	filename, _ := filepath.Abs(file)

	config := Config{}
	config.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("defaults", flag.ContinueOnError))

	err := loadYamlFile(filename, &config)
	if err != nil {
		return config, errors.Wrap(err, "failed to load yaml file")
	}

	return config, nil
}

// loadYamlFile unmarshals a YAML file into the received interface{} or returns an error.
func loadYamlFile(filename string, d interface{}) error {
	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(yamlFile, d)
}

// RegisterFlagsAndApplyDefaults seeds the listen address from HOST and PORT
// so the relay runs unchanged on platforms that inject them.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	flagext.DefaultValues(&c.Server)

	host := defaultListenAddress
	if v := os.Getenv("HOST"); v != "" {
		host = v
	}
	port := defaultListenPort
	if v, err := strconv.Atoi(os.Getenv("PORT")); err == nil && v > 0 {
		port = v
	}

	f.StringVar(&c.Target, "target", All, "Module to run.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn or error.")
	f.StringVar(&c.Server.HTTPListenAddress, "server.http-listen-address", host, "HTTP server listen address.")
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", port, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9090, "gRPC server listen port.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Relay.RegisterFlagsAndApplyDefaults("relay", f)
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	if c.Relay.MaxRetries < 0 {
		return fmt.Errorf("relay.max-retries must not be negative, got %d", c.Relay.MaxRetries)
	}
	if c.Relay.RetryBackoff <= 0 {
		return fmt.Errorf("relay.retry-backoff must be positive, got %s", c.Relay.RetryBackoff)
	}
	if c.Relay.IdleTimeout < 0 {
		return fmt.Errorf("relay.idle-timeout must not be negative, got %s", c.Relay.IdleTimeout)
	}
	if (c.Relay.TLSCertPath == "") != (c.Relay.TLSKeyPath == "") {
		return errors.New("relay.tls-cert-path and relay.tls-key-path must be set together")
	}
	if c.Relay.RateLimit < 0 {
		return fmt.Errorf("relay.rate-limit must not be negative, got %v", c.Relay.RateLimit)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
