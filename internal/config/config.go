// Package config holds the collector's settings, read through viper from
// flags, TCPBREAKDOWN_* environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/bpf"
	"github.com/jhwbarlow/tcp-breakdown-bpf/internal/summary"
)

const EnvPrefix = "TCPBREAKDOWN"

// Keys, as used for flags, the config file and (upper-cased, with
// underscores) environment variables.
const (
	KeyObject           = "object"
	KeyLoader           = "loader"
	KeyOutput           = "output"
	KeyPollInterval     = "poll-interval"
	KeyPerfBufferPages  = "perf-buffer-pages"
	KeyEventChannelSize = "event-channel-size"
	KeyLostChannelSize  = "lost-channel-size"
	KeyMetricsAddr      = "metrics-addr"
	KeySummary          = "summary"
	KeySummaryFormat    = "summary-format"
	KeyVerbose          = "verbose"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Object           string
	Loader           string
	Output           string
	PollInterval     time.Duration
	PerfBufferPages  int
	EventChannelSize int
	LostChannelSize  int
	MetricsAddr      string
	Summary          string
	SummaryFormat    string
	Verbose          bool
}

// Default is the configuration used when nothing is set.
func Default() Config {
	return Config{
		Object:           "tcp_breakdown.bpf.o",
		Loader:           bpf.LoaderLibBPFGo,
		Output:           "output.csv",
		PollInterval:     100 * time.Millisecond,
		PerfBufferPages:  128,
		EventChannelSize: 1024,
		LostChannelSize:  64,
		SummaryFormat:    summary.FormatJSON,
	}
}

// NewViper returns a viper instance with defaults and environment binding
// set up. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()

	d := Default()
	v.SetDefault(KeyObject, d.Object)
	v.SetDefault(KeyLoader, d.Loader)
	v.SetDefault(KeyOutput, d.Output)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyPerfBufferPages, d.PerfBufferPages)
	v.SetDefault(KeyEventChannelSize, d.EventChannelSize)
	v.SetDefault(KeyLostChannelSize, d.LostChannelSize)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeySummary, d.Summary)
	v.SetDefault(KeySummaryFormat, d.SummaryFormat)
	v.SetDefault(KeyVerbose, d.Verbose)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file at path, if any, and returns the validated
// configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	c := &Config{
		Object:           v.GetString(KeyObject),
		Loader:           v.GetString(KeyLoader),
		Output:           v.GetString(KeyOutput),
		PollInterval:     v.GetDuration(KeyPollInterval),
		PerfBufferPages:  v.GetInt(KeyPerfBufferPages),
		EventChannelSize: v.GetInt(KeyEventChannelSize),
		LostChannelSize:  v.GetInt(KeyLostChannelSize),
		MetricsAddr:      v.GetString(KeyMetricsAddr),
		Summary:          v.GetString(KeySummary),
		SummaryFormat:    v.GetString(KeySummaryFormat),
		Verbose:          v.GetBool(KeyVerbose),
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	switch c.Loader {
	case bpf.LoaderLibBPFGo, bpf.LoaderCilium:
	default:
		return fmt.Errorf("%w: unknown loader %q", ErrInvalid, c.Loader)
	}

	switch c.SummaryFormat {
	case summary.FormatJSON, summary.FormatYAML:
	default:
		return fmt.Errorf("%w: unknown summary format %q", ErrInvalid, c.SummaryFormat)
	}

	if c.Object == "" {
		return fmt.Errorf("%w: %s must be set", ErrInvalid, KeyObject)
	}

	if c.Output == "" {
		return fmt.Errorf("%w: %s must be set", ErrInvalid, KeyOutput)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, KeyPollInterval, c.PollInterval)
	}

	sizes := []struct {
		key   string
		value int
	}{
		{KeyPerfBufferPages, c.PerfBufferPages},
		{KeyEventChannelSize, c.EventChannelSize},
		{KeyLostChannelSize, c.LostChannelSize},
	}
	for _, size := range sizes {
		if size.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, size.key, size.value)
		}
	}

	// libbpf requires a power of two
	if pages := c.PerfBufferPages; pages&(pages-1) != 0 {
		return fmt.Errorf("%w: %s must be a power of two, got %d", ErrInvalid, KeyPerfBufferPages, pages)
	}

	return nil
}

// BPFOptions returns the runner options this configuration describes.
func (c *Config) BPFOptions() bpf.Options {
	return bpf.Options{
		ObjectPath:       c.Object,
		EventChannelSize: c.EventChannelSize,
		LostChannelSize:  c.LostChannelSize,
		PerfBufferPages:  c.PerfBufferPages,
	}
}
