package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ServerIP        = "127.0.0.2"
	ServerPort      = 7080
	ClientIP        = "127.0.0.3"
	ClientPortLower = 32768
	ClientPortUpper = 60999
	ProtocolID      = 6
	PreferredMSS    = 1440
	MaxWindow       = 65535 // no window scaling
)

// Duration wraps time.Duration so yaml files can say "200ms".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q at line %d", s, value.Line)
	}
	*d = Duration(v)
	return nil
}

// CoreConfig holds the per-stack settings.
type CoreConfig struct {
	ProtocolID           uint8 `yaml:"protocol_id"`       // IP protocol number used by raw sockets
	PayloadPoolSize      int   `yaml:"payload_pool_size"` // number of payload chunks shared by all connections
	PreferredMSS         int   `yaml:"preferred_mss"`     // also the payload chunk size
	ClientPortLower      int   `yaml:"client_port_lower"`
	ClientPortUpper      int   `yaml:"client_port_upper"`
	Debug                bool  `yaml:"debug"`
	PoolDebug            bool  `yaml:"pool_debug"`
	ProcessTimeThreshold int   `yaml:"process_time_threshold"` // ms

	// Resets answering segments for unknown connections, per second.
	// Zero turns the limit off.
	ResetRate  float64 `yaml:"reset_rate"`
	ResetBurst int     `yaml:"reset_burst"`
}

// ConnectionConfig holds the per-connection policy knobs. None of them is
// protocol-critical; they tune buffering, timers and the SWS thresholds.
type ConnectionConfig struct {
	SendBufferSize     int      `yaml:"send_buffer_size"`
	RecvBufferSize     int      `yaml:"recv_buffer_size"`
	InitialCwnd        int      `yaml:"initial_cwnd"` // in segments
	MaxCwnd            int      `yaml:"max_cwnd"`     // in bytes
	InitialRTO         Duration `yaml:"initial_rto"`
	RTOMin             Duration `yaml:"rto_min"`
	RTOMax             Duration `yaml:"rto_max"`
	MaxRetries         int      `yaml:"max_retries"`
	SynRetries         int      `yaml:"syn_retries"`
	ProbeInterval      Duration `yaml:"probe_interval"`
	TimeWaitDuration   Duration `yaml:"time_wait_duration"`
	FinTimeout         Duration `yaml:"fin_timeout"`
	LingerTimeout      Duration `yaml:"linger_timeout"`
	PartialFlushDelay  Duration `yaml:"partial_flush_delay"`
	KeepaliveInterval  Duration `yaml:"keepalive_interval"`
	KeepaliveProbes    int      `yaml:"keepalive_probes"`
	NoDelay            bool     `yaml:"no_delay"`
	ResetOnUnreadClose bool     `yaml:"reset_on_unread_close"`
	DefaultBacklog     int      `yaml:"default_backlog"`
}

type Config struct {
	Core       CoreConfig       `yaml:"core"`
	Connection ConnectionConfig `yaml:"connection"`
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		ProtocolID:           ProtocolID,
		PayloadPoolSize:      2000,
		PreferredMSS:         PreferredMSS,
		ClientPortLower:      ClientPortLower,
		ClientPortUpper:      ClientPortUpper,
		Debug:                false,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		ResetRate:            1000,
		ResetBurst:           50,
	}
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		SendBufferSize:     64 * 1024,
		RecvBufferSize:     MaxWindow,
		InitialCwnd:        10,
		MaxCwnd:            1 << 20,
		InitialRTO:         Duration(time.Second),
		RTOMin:             Duration(200 * time.Millisecond),
		RTOMax:             Duration(60 * time.Second),
		MaxRetries:         12,
		SynRetries:         5,
		ProbeInterval:      Duration(500 * time.Millisecond),
		TimeWaitDuration:   Duration(60 * time.Second), // 2*MSL with MSL=30s
		FinTimeout:         Duration(60 * time.Second),
		LingerTimeout:      Duration(0),
		PartialFlushDelay:  Duration(200 * time.Millisecond),
		KeepaliveInterval:  Duration(0),
		KeepaliveProbes:    9,
		NoDelay:            false,
		ResetOnUnreadClose: false,
		DefaultBacklog:     128,
	}
}

func Default() *Config {
	return &Config{
		Core:       *DefaultCoreConfig(),
		Connection: *DefaultConnectionConfig(),
	}
}

// LoadConfig reads a yaml file on top of the defaults, so a file only
// needs to name the settings it changes.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Core.Validate(); err != nil {
		return err
	}
	return c.Connection.Validate()
}

func (c *CoreConfig) Validate() error {
	switch {
	case c.PayloadPoolSize <= 0:
		return errors.Errorf("payload_pool_size must be positive, got %d", c.PayloadPoolSize)
	case c.PreferredMSS < 64 || c.PreferredMSS > MaxWindow:
		return errors.Errorf("preferred_mss %d out of range [64, %d]", c.PreferredMSS, MaxWindow)
	case c.ClientPortLower <= 0 || c.ClientPortUpper > 65535 || c.ClientPortLower > c.ClientPortUpper:
		return errors.Errorf("bad client port range [%d, %d]", c.ClientPortLower, c.ClientPortUpper)
	case c.ResetRate < 0:
		return errors.Errorf("reset_rate must not be negative, got %g", c.ResetRate)
	case c.ResetRate > 0 && c.ResetBurst <= 0:
		return errors.Errorf("reset_burst must be positive when reset_rate is set, got %d", c.ResetBurst)
	}
	return nil
}

func (c *ConnectionConfig) Validate() error {
	switch {
	case c.SendBufferSize <= 0:
		return errors.Errorf("send_buffer_size must be positive, got %d", c.SendBufferSize)
	case c.RecvBufferSize <= 0:
		return errors.Errorf("recv_buffer_size must be positive, got %d", c.RecvBufferSize)
	case c.InitialCwnd <= 0:
		return errors.Errorf("initial_cwnd must be positive, got %d", c.InitialCwnd)
	case c.RTOMin <= 0 || c.RTOMax < c.RTOMin:
		return errors.Errorf("bad rto bounds [%s, %s]", c.RTOMin.D(), c.RTOMax.D())
	case c.InitialRTO <= 0:
		return errors.New("initial_rto must be positive")
	case c.MaxRetries <= 0 || c.SynRetries <= 0:
		return errors.New("max_retries and syn_retries must be positive")
	case c.TimeWaitDuration <= 0:
		return errors.New("time_wait_duration must be positive")
	case c.ProbeInterval <= 0:
		return errors.New("probe_interval must be positive")
	case c.DefaultBacklog <= 0:
		return errors.New("default_backlog must be positive")
	}
	return nil
}
