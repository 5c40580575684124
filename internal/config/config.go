// Package config provides configuration management for rdmaperf.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMAPERF_* prefix)
//  3. Configuration file (rdmaperf.yaml)
//  4. Default values (lowest priority)
//
// The same file serves the daemon (listen_port, backend, metrics) and the
// client (defaults applied to every test request, output rendering).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/rdmaperf/internal/report"
	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// Backend names.
const (
	BackendSimulated = rdma.BackendSimulated
	BackendVerbs     = rdma.BackendVerbs
)

// Config holds all configuration for rdmaperf
type Config struct {
	// Node identification, used as a metrics label
	NodeID string `mapstructure:"node_id"`

	// ListenPort is the control port of the daemon
	ListenPort int `mapstructure:"listen_port"`

	// LogLevel overrides the level chosen by --debug
	LogLevel string `mapstructure:"log_level"`

	// Backend selects the verbs implementation
	Backend string `mapstructure:"backend"`

	// ServerWait is how long the client keeps retrying to reach a daemon
	ServerWait time.Duration `mapstructure:"server_wait"`

	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Output   OutputConfig   `mapstructure:"output"`
}

// MetricsConfig controls the daemon's Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DefaultsConfig holds the request fields applied to every test unless a
// flag overrides them. Zero values leave the per-test default in place.
type DefaultsConfig struct {
	Time       time.Duration `mapstructure:"time"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MTUSize    int           `mapstructure:"mtu_size"`
	MsgSize    int           `mapstructure:"msg_size"`
	NoMsgs     int           `mapstructure:"no_msgs"`
	ID         string        `mapstructure:"id"`
	Rate       string        `mapstructure:"rate"`
	PollMode   bool          `mapstructure:"poll_mode"`
	RdAtomic   int           `mapstructure:"rd_atomic"`
	AccessRecv bool          `mapstructure:"access_recv"`
	Affinity   int           `mapstructure:"affinity"`

	// Address vector settings for connected queue pairs.
	SL          int `mapstructure:"sl"`
	SrcPathBits int `mapstructure:"src_path_bits"`
}

// OutputConfig controls how results are rendered
type OutputConfig struct {
	Format        string `mapstructure:"format"`
	Precision     int    `mapstructure:"precision"`
	UnifyUnits    bool   `mapstructure:"unify_units"`
	UnifyNodes    bool   `mapstructure:"unify_nodes"`
	UseBitsPerSec bool   `mapstructure:"use_bits_per_sec"`
	VerboseConf   int    `mapstructure:"verbose_conf"`
	VerboseStat   int    `mapstructure:"verbose_stat"`
	VerboseTime   int    `mapstructure:"verbose_time"`
	VerboseUsed   int    `mapstructure:"verbose_used"`
	Debug         bool   `mapstructure:"debug"`
}

// Options are command line overrides
type Options struct {
	ListenPort  int
	Backend     string
	LogLevel    string
	MetricsPort int
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)

		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmaperf")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmaperf")
		v.AddConfigPath("$HOME/.rdmaperf")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RDMAPERF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.ListenPort != 0 {
		v.Set("listen_port", opts.ListenPort)
	}

	if opts.Backend != "" {
		v.Set("backend", opts.Backend)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	if opts.MetricsPort != 0 {
		v.Set("metrics.enabled", true)
		v.Set("metrics.port", opts.MetricsPort)
	}

	var cfg Config

	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	err = cfg.validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node_id", hostname)

	v.SetDefault("listen_port", control.DefaultPort)
	v.SetDefault("log_level", "")
	v.SetDefault("backend", BackendSimulated)
	v.SetDefault("server_wait", 5*time.Second)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9765)

	// Request defaults
	v.SetDefault("defaults.time", 0)
	v.SetDefault("defaults.timeout", 5*time.Second)
	v.SetDefault("defaults.mtu_size", 2048)
	v.SetDefault("defaults.msg_size", 0)
	v.SetDefault("defaults.no_msgs", 0)
	v.SetDefault("defaults.id", "")
	v.SetDefault("defaults.rate", "")
	v.SetDefault("defaults.poll_mode", false)
	v.SetDefault("defaults.rd_atomic", 0)
	v.SetDefault("defaults.access_recv", false)
	v.SetDefault("defaults.affinity", 0)
	v.SetDefault("defaults.sl", 0)
	v.SetDefault("defaults.src_path_bits", 0)

	// Output defaults
	v.SetDefault("output.format", string(report.FormatText))
	v.SetDefault("output.precision", 3)
	v.SetDefault("output.unify_units", false)
	v.SetDefault("output.unify_nodes", false)
	v.SetDefault("output.use_bits_per_sec", false)
	v.SetDefault("output.verbose_conf", 0)
	v.SetDefault("output.verbose_stat", 0)
	v.SetDefault("output.verbose_time", 0)
	v.SetDefault("output.verbose_used", 0)
	v.SetDefault("output.debug", false)
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendSimulated, BackendVerbs:
	default:
		return fmt.Errorf("unsupported backend: %s (supported: %s, %s)", c.Backend, BackendSimulated, BackendVerbs)
	}

	err := validatePort("listen_port", c.ListenPort)
	if err != nil {
		return err
	}

	if c.Metrics.Enabled {
		err = validatePort("metrics.port", c.Metrics.Port)
		if err != nil {
			return err
		}
	}

	if c.LogLevel != "" {
		_, err = zerolog.ParseLevel(c.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
		}
	}

	if c.ServerWait < 0 {
		return fmt.Errorf("server_wait cannot be negative")
	}

	err = c.Defaults.validate()
	if err != nil {
		return fmt.Errorf("invalid defaults: %w", err)
	}

	err = c.Output.validate()
	if err != nil {
		return fmt.Errorf("invalid output configuration: %w", err)
	}

	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}

	return nil
}

func (d *DefaultsConfig) validate() error {
	if d.MTUSize != 0 {
		_, err := rdma.ParseMTU(d.MTUSize)
		if err != nil {
			return err
		}
	}

	err := control.CheckDuration("time", d.Time)
	if err != nil {
		return err
	}

	err = control.CheckDuration("timeout", d.Timeout)
	if err != nil {
		return err
	}

	if d.MsgSize < 0 || d.NoMsgs < 0 || d.RdAtomic < 0 || d.Affinity < 0 {
		return fmt.Errorf("msg_size, no_msgs, rd_atomic and affinity cannot be negative")
	}

	if d.SL < 0 || d.SL > rdma.MaxServiceLevel {
		return fmt.Errorf("sl %d out of range 0-%d", d.SL, rdma.MaxServiceLevel)
	}

	if d.SrcPathBits < 0 || d.SrcPathBits > rdma.MaxSrcPathBits {
		return fmt.Errorf("src_path_bits %d out of range 0-%d", d.SrcPathBits, rdma.MaxSrcPathBits)
	}

	if len(d.ID) >= control.StrSize {
		return fmt.Errorf("%w: id is longer than %d bytes", control.ErrFieldTooLong, control.StrSize-1)
	}

	if d.Rate != "" {
		_, err := rdma.LookupRate(d.Rate)
		if err != nil {
			return err
		}
	}

	return nil
}

func (o *OutputConfig) validate() error {
	_, err := report.ParseFormat(o.Format)
	if err != nil {
		return err
	}

	if o.Precision < 1 {
		return fmt.Errorf("precision must be at least 1, got %d", o.Precision)
	}

	return nil
}

// Request builds the base request of a test from the configured defaults.
func (c *Config) Request() control.Request {
	d := c.Defaults

	//nolint:gosec // G115: validated non-negative above
	return control.Request{
		ID:         d.ID,
		Rate:       d.Rate,
		Time:       d.Time,
		Timeout:    d.Timeout,
		MTUSize:    uint32(d.MTUSize),
		MsgSize:    uint32(d.MsgSize),
		NoMsgs:     uint32(d.NoMsgs),
		RdAtomic:   uint32(d.RdAtomic),
		Affinity:   uint32(d.Affinity),
		PollMode:   d.PollMode,
		AccessRecv: d.AccessRecv,

		ServiceLevel: uint32(d.SL),
		SrcPathBits:  uint32(d.SrcPathBits),
	}
}

// ReportOptions returns the rendering options for results.
func (c *Config) ReportOptions() report.Options {
	o := c.Output

	return report.Options{
		Precision:     o.Precision,
		UnifyUnits:    o.UnifyUnits,
		UnifyNodes:    o.UnifyNodes,
		UseBitsPerSec: o.UseBitsPerSec,
		VerboseConf:   o.VerboseConf,
		VerboseStat:   o.VerboseStat,
		VerboseTime:   o.VerboseTime,
		VerboseUsed:   o.VerboseUsed,
		Debug:         o.Debug,
	}
}
