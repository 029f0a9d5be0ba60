package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`
	Replay  ReplayConfig  `yaml:"replay" mapstructure:"replay"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Output  OutputConfig  `yaml:"output" mapstructure:"output"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Web     WebConfig     `yaml:"web" mapstructure:"web"`
}

// CaptureConfig recording proxy configuration
type CaptureConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// Output is the replay fixture written when the session ends
	Output string `yaml:"output" mapstructure:"output"`
	// Timeout upstream request timeout in seconds
	Timeout               int   `yaml:"timeout" mapstructure:"timeout"`
	MaxBodyBytes          int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxIdleConns          int   `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int   `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	ResponseHeaderTimeout int   `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSInsecureSkipVerify bool  `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	RejectCollisions      bool  `yaml:"reject_collisions" mapstructure:"reject_collisions"`
	// Mitmdump records with an external mitmdump process instead of the built-in proxy
	Mitmdump     bool   `yaml:"mitmdump" mapstructure:"mitmdump"`
	MitmdumpFile string `yaml:"mitmdump_file" mapstructure:"mitmdump_file"`
}

// ReplayConfig replay server configuration
type ReplayConfig struct {
	Fixture        string        `yaml:"fixture" mapstructure:"fixture"`
	ServerFQDN     string        `yaml:"server_fqdn" mapstructure:"server_fqdn"`
	DiscoveryPaths []string      `yaml:"discovery_paths" mapstructure:"discovery_paths"`
	WaitTimeout    time.Duration `yaml:"wait_timeout" mapstructure:"wait_timeout"`
	DiscoveryStub  bool          `yaml:"discovery_stub" mapstructure:"discovery_stub"`
	// ListenHost is the interface replay servers bind; empty binds all
	ListenHost string `yaml:"listen_host" mapstructure:"listen_host"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls how captured responses are echoed
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
	// BodyPreviewBytes limits how much of each body the console shows; 0 hides bodies
	BodyPreviewBytes int `yaml:"body_preview_bytes" mapstructure:"body_preview_bytes"`
}

// StorageConfig capture session persistence
type StorageConfig struct {
	Enable bool   `yaml:"enable" mapstructure:"enable"`
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// WebConfig capture monitor API configuration
type WebConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	AdminPath  string `yaml:"admin_path" mapstructure:"admin_path"`
	MaxEntries int    `yaml:"max_entries" mapstructure:"max_entries"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("REPLAYKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.replaykit")
		v.AddConfigPath("/etc/replaykit")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && configPath == "" {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults fills zero-value fields that Unmarshal left empty, which
// happens for keys only bound to flags or environment variables.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Capture.Port == 0 {
		cfg.Capture.Port = v.GetInt("capture.port")
	}
	if cfg.Capture.Output == "" {
		cfg.Capture.Output = v.GetString("capture.output")
	}
	if cfg.Capture.Timeout == 0 {
		cfg.Capture.Timeout = v.GetInt("capture.timeout")
	}
	if cfg.Capture.MaxBodyBytes == 0 {
		cfg.Capture.MaxBodyBytes = v.GetInt64("capture.max_body_bytes")
	}
	if cfg.Capture.MaxIdleConns == 0 {
		cfg.Capture.MaxIdleConns = v.GetInt("capture.max_idle_conns")
	}
	if cfg.Capture.MaxIdleConnsPerHost == 0 {
		cfg.Capture.MaxIdleConnsPerHost = v.GetInt("capture.max_idle_conns_per_host")
	}
	if cfg.Capture.ResponseHeaderTimeout == 0 {
		cfg.Capture.ResponseHeaderTimeout = v.GetInt("capture.response_header_timeout")
	}
	cfg.Capture.TLSInsecureSkipVerify = v.GetBool("capture.tls_insecure_skip_verify")
	cfg.Capture.RejectCollisions = v.GetBool("capture.reject_collisions")
	cfg.Capture.Mitmdump = v.GetBool("capture.mitmdump")
	if cfg.Capture.MitmdumpFile == "" {
		cfg.Capture.MitmdumpFile = v.GetString("capture.mitmdump_file")
	}

	if cfg.Replay.Fixture == "" {
		cfg.Replay.Fixture = v.GetString("replay.fixture")
	}
	if cfg.Replay.ServerFQDN == "" {
		cfg.Replay.ServerFQDN = v.GetString("replay.server_fqdn")
	}
	if len(cfg.Replay.DiscoveryPaths) == 0 {
		cfg.Replay.DiscoveryPaths = v.GetStringSlice("replay.discovery_paths")
	}
	if cfg.Replay.WaitTimeout == 0 {
		cfg.Replay.WaitTimeout = v.GetDuration("replay.wait_timeout")
	}
	cfg.Replay.DiscoveryStub = v.GetBool("replay.discovery_stub")
	if cfg.Replay.ListenHost == "" {
		cfg.Replay.ListenHost = v.GetString("replay.listen_host")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")
	if cfg.Output.BodyPreviewBytes == 0 {
		cfg.Output.BodyPreviewBytes = v.GetInt("output.body_preview_bytes")
	}

	cfg.Storage.Enable = v.GetBool("storage.enable")
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}

	cfg.Web.Enable = v.GetBool("web.enable")
	if cfg.Web.AdminPath == "" {
		cfg.Web.AdminPath = v.GetString("web.admin_path")
	}
	if cfg.Web.MaxEntries == 0 {
		cfg.Web.MaxEntries = v.GetInt("web.max_entries")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("capture.port", 8888)
	v.SetDefault("capture.output", "replay.yaml")
	v.SetDefault("capture.timeout", 30)
	v.SetDefault("capture.max_body_bytes", int64(64*1024*1024))
	v.SetDefault("capture.max_idle_conns", 100)
	v.SetDefault("capture.max_idle_conns_per_host", 10)
	v.SetDefault("capture.response_header_timeout", 15)
	v.SetDefault("capture.tls_insecure_skip_verify", false)
	v.SetDefault("capture.reject_collisions", false)
	v.SetDefault("capture.mitmdump", false)
	v.SetDefault("capture.mitmdump_file", "capture.mitm")

	v.SetDefault("replay.fixture", "replay.yaml")
	v.SetDefault("replay.server_fqdn", "")
	v.SetDefault("replay.discovery_paths", []string{"/ndt", "/ndt_ssl"})
	v.SetDefault("replay.wait_timeout", "5s")
	v.SetDefault("replay.discovery_stub", true)
	v.SetDefault("replay.listen_host", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./replaykit.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.body_preview_bytes", 0)

	v.SetDefault("storage.enable", false)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/capture.db")

	v.SetDefault("web.enable", true)
	v.SetDefault("web.admin_path", "/_replaykit")
	v.SetDefault("web.max_entries", 500)
}

// Validate checks settings shared by all commands
func (c *Config) Validate() error {
	if c.Capture.Port < 0 || c.Capture.Port > 65535 {
		return fmt.Errorf("invalid capture port: %d (must be 0-65535)", c.Capture.Port)
	}
	if c.Capture.Timeout < 0 {
		return fmt.Errorf("capture timeout cannot be negative")
	}
	if c.Capture.MaxBodyBytes < 0 {
		return fmt.Errorf("capture max body bytes cannot be negative")
	}
	if c.Capture.Mitmdump && strings.TrimSpace(c.Capture.MitmdumpFile) == "" {
		return fmt.Errorf("capture mitmdump_file cannot be empty when mitmdump is enabled")
	}

	if c.Replay.WaitTimeout < 0 {
		return fmt.Errorf("replay wait timeout cannot be negative")
	}
	for i, p := range c.Replay.DiscoveryPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("replay discovery path %d must start with '/'", i+1)
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	if c.Output.BodyPreviewBytes < 0 {
		return fmt.Errorf("output body preview bytes cannot be negative")
	}

	if c.Storage.Enable {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "sqlite", "sqlite3":
			c.Storage.Driver = "sqlite"
		default:
			return fmt.Errorf("storage driver must be sqlite")
		}
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
	}

	if c.Web.Enable {
		if !strings.HasPrefix(c.Web.AdminPath, "/") || c.Web.AdminPath == "/" {
			return fmt.Errorf("web admin path must start with '/' and cannot be the root")
		}
		if c.Web.MaxEntries < 1 {
			return fmt.Errorf("web max entries must be at least 1")
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	return nil
}

// ValidateReplay checks settings required to start a replay session
func (c *Config) ValidateReplay() error {
	if strings.TrimSpace(c.Replay.Fixture) == "" {
		return fmt.Errorf("replay fixture cannot be empty")
	}
	if strings.TrimSpace(c.Replay.ServerFQDN) == "" {
		return fmt.Errorf("replay server_fqdn cannot be empty")
	}
	return nil
}
