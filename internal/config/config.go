// Package config loads the configuration of the zhttp binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crazyfrankie/zhttp/discovery"
	"github.com/crazyfrankie/zhttp/protocol"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Requester RequesterConfig `mapstructure:"requester"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format      string         `mapstructure:"format"`
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type ServerConfig struct {
	Listen        []string      `mapstructure:"listen"`
	Policy        string        `mapstructure:"policy"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	MaxStreams    uint32        `mapstructure:"max_streams"`
	WorkerPool    int           `mapstructure:"worker_pool"`
	TaskQueueSize int           `mapstructure:"task_queue_size"`
}

// AdminConfig is the gin admin server. An empty Listen disables it.
type AdminConfig struct {
	Listen string `mapstructure:"listen"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// AutocertHosts enables ACME certificates for these hosts.
	AutocertHosts []string `mapstructure:"autocert_hosts"`
	AutocertCache string   `mapstructure:"autocert_cache"`
}

func (c TLSConfig) Enabled() bool {
	return (c.CertFile != "" && c.KeyFile != "") || len(c.AutocertHosts) > 0
}

type EtcdConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	Service   string   `mapstructure:"service"`
	TTL       int64    `mapstructure:"ttl"`
	// Select is the discovery select mode: random or round_robin.
	Select string `mapstructure:"select"`
}

type RequesterConfig struct {
	Policy         string        `mapstructure:"policy"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxPerRoute    int           `mapstructure:"max_per_route"`
	MaxTotal       int           `mapstructure:"max_total"`
	Pipelining     bool          `mapstructure:"pipelining"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Insecure       bool          `mapstructure:"insecure"`
	// Servers is a static address list used instead of DNS when no etcd
	// endpoints are configured.
	Servers []string `mapstructure:"servers"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server: ServerConfig{
			Listen:        []string{"127.0.0.1:8080"},
			Policy:        "negotiate",
			ReadTimeout:   120 * time.Second,
			WriteTimeout:  120 * time.Second,
			GracePeriod:   30 * time.Second,
			MaxStreams:    250,
			TaskQueueSize: 10000,
		},
		Etcd: EtcdConfig{
			Service: "zhttp-echo",
			TTL:     60,
			Select:  "random",
		},
		Requester: RequesterConfig{
			Policy:         "negotiate",
			ConnectTimeout: 20 * time.Second,
			MaxPerRoute:    20,
			MaxTotal:       50,
			Pipelining:     true,
			MaxRetries:     2,
		},
	}
}

// Load reads configuration from path (if non-empty, else ZHTTP_CONFIG or
// ./zhttp.yaml) with environment overrides. Environment variables use the
// prefix ZHTTP with `.` replaced by `_`, e.g. ZHTTP_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ZHTTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("ZHTTP_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zhttp")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// A missing file leaves defaults and environment in charge.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds viper so env-only configs work.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("server.policy", cfg.Server.Policy)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.grace_period", cfg.Server.GracePeriod)
	v.SetDefault("server.max_streams", cfg.Server.MaxStreams)
	v.SetDefault("server.worker_pool", cfg.Server.WorkerPool)
	v.SetDefault("server.task_queue_size", cfg.Server.TaskQueueSize)

	v.SetDefault("admin.listen", cfg.Admin.Listen)

	v.SetDefault("tls.cert_file", cfg.TLS.CertFile)
	v.SetDefault("tls.key_file", cfg.TLS.KeyFile)
	v.SetDefault("tls.autocert_hosts", cfg.TLS.AutocertHosts)
	v.SetDefault("tls.autocert_cache", cfg.TLS.AutocertCache)

	v.SetDefault("etcd.endpoints", cfg.Etcd.Endpoints)
	v.SetDefault("etcd.service", cfg.Etcd.Service)
	v.SetDefault("etcd.ttl", cfg.Etcd.TTL)
	v.SetDefault("etcd.select", cfg.Etcd.Select)

	v.SetDefault("requester.policy", cfg.Requester.Policy)
	v.SetDefault("requester.connect_timeout", cfg.Requester.ConnectTimeout)
	v.SetDefault("requester.max_per_route", cfg.Requester.MaxPerRoute)
	v.SetDefault("requester.max_total", cfg.Requester.MaxTotal)
	v.SetDefault("requester.pipelining", cfg.Requester.Pipelining)
	v.SetDefault("requester.max_retries", cfg.Requester.MaxRetries)
	v.SetDefault("requester.insecure", cfg.Requester.Insecure)
	v.SetDefault("requester.servers", cfg.Requester.Servers)
}

// Validate checks the values and fills the blanks.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if len(c.Server.Listen) == 0 {
		return errors.New("server.listen: at least one address is required")
	}
	if _, err := protocol.ParseVersionPolicy(c.Server.Policy); err != nil {
		return fmt.Errorf("server.policy: %w", err)
	}
	if _, err := protocol.ParseVersionPolicy(c.Requester.Policy); err != nil {
		return fmt.Errorf("requester.policy: %w", err)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls: cert_file and key_file go together")
	}
	if _, err := discovery.ParseSelectMode(c.Etcd.Select); err != nil {
		return fmt.Errorf("etcd.select: %w", err)
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.Service == "" {
		return errors.New("etcd.service is required with etcd.endpoints")
	}
	if c.Requester.MaxPerRoute <= 0 || c.Requester.MaxTotal <= 0 {
		return errors.New("requester: max_per_route and max_total must be positive")
	}
	return nil
}
