package main

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/kv"
)

const (
	flagConfig      = "config"
	flagHost        = "host"
	flagPort        = "port"
	flagMetricsAddr = "metrics-addr"
	flagName        = "name"
	flagSeparator   = "separator"
)

// Config is the configuration of the kv process read from the YAML file.
// Values passed explicitly on the command line take precedence.
type Config struct {
	Host           string `yaml:"host"`
	Port           uint16 `yaml:"port"`
	MaxMessageSize uint64 `yaml:"maxMessageSize"`

	// MetricsAddr is the address prometheus metrics are served on by the server. Empty disables the endpoint.
	MetricsAddr string `yaml:"metricsAddr"`

	// Name is the set client inserts chunks to.
	Name      string `yaml:"name"`
	Separator string `yaml:"separator"`
	BlockSize int    `yaml:"blockSize"`

	StoreInboxSize int `yaml:"storeInboxSize"`
	ErrorQueueSize int `yaml:"errorQueueSize"`
}

func defaultConfig() Config {
	return Config{
		Host:           kv.DefaultHost,
		Port:           kv.DefaultPort,
		MaxMessageSize: kv.DefaultMaxMessageSize,
		Separator:      "\n",
		BlockSize:      kv.DefaultBlockSize,
		StoreInboxSize: 1024,
		ErrorQueueSize: 1024,
	}
}

// loadConfig reads config file. Defaults are returned if path is empty.
// Keys missing in the file keep their default values.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config file %q failed", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "invalid YAML in config file %q", path)
	}
	return cfg, nil
}

// configFromCLI loads the config file pointed by the --config flag and applies flags set explicitly.
func configFromCLI(c *cli.Context) (Config, error) {
	cfg, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return Config{}, err
	}

	if c.IsSet(flagHost) {
		cfg.Host = c.String(flagHost)
	}
	if c.IsSet(flagPort) {
		port := c.Uint(flagPort)
		if port > math.MaxUint16 {
			return Config{}, errors.Errorf("port %d is out of range", port)
		}
		cfg.Port = uint16(port)
	}
	if c.IsSet(flagMetricsAddr) {
		cfg.MetricsAddr = c.String(flagMetricsAddr)
	}
	if c.IsSet(flagName) {
		cfg.Name = c.String(flagName)
	}
	if c.IsSet(flagSeparator) {
		cfg.Separator = c.String(flagSeparator)
	}
	return cfg, nil
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  flagConfig,
			Usage: "Path to the YAML config file",
		},
		&cli.StringFlag{
			Name:  flagHost,
			Usage: "Host of the server",
			Value: kv.DefaultHost,
		},
		&cli.UintFlag{
			Name:  flagPort,
			Usage: "Port of the server",
			Value: uint(kv.DefaultPort),
		},
	}
}
