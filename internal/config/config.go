package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	cfg *Config
	mu  sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	IMAP          IMAPConfig          `mapstructure:"imap"`
	Email         EmailConfig         `mapstructure:"email"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Ticket        TicketConfig        `mapstructure:"ticket"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	SiteURL string `mapstructure:"site_url"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IMAPConfig describes the support mailbox. Type selects the protocol:
// imap, imaps, pop3 or pop3s.
type IMAPConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Type        string        `mapstructure:"type"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Folder      string        `mapstructure:"folder"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
	SMTP     struct {
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		AuthType   string `mapstructure:"auth_type"`
		TLS        bool   `mapstructure:"tls"`
		TLSMode    string `mapstructure:"tls_mode"`
		SkipVerify bool   `mapstructure:"skip_verify"`
	} `mapstructure:"smtp"`
}

type NotificationsConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type IngestConfig struct {
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Limit    int           `mapstructure:"limit"`
	// RulesFile lists extra ticket reference patterns, see filters.LoadReferenceRules.
	RulesFile string `mapstructure:"rules_file"`
	Lock      struct {
		Backend string        `mapstructure:"backend"` // redis|file|memory|none
		Key     string        `mapstructure:"key"`
		Path    string        `mapstructure:"path"`
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lock"`
}

type TicketConfig struct {
	NumberPrefix string `mapstructure:"number_prefix"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json|console
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "helpdesk")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.site_url", "http://localhost:8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("imap.type", "imaps")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.folder", "INBOX")
	v.SetDefault("imap.dial_timeout", 10*time.Second)
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.tls_mode", "starttls")
	v.SetDefault("notifications.workers", 2)
	v.SetDefault("notifications.queue_size", 100)
	v.SetDefault("notifications.send_timeout", 30*time.Second)
	v.SetDefault("ingest.schedule", "0 */5 * * * *")
	v.SetDefault("ingest.timeout", 4*time.Minute)
	v.SetDefault("ingest.limit", 50)
	v.SetDefault("ingest.lock.backend", "redis")
	v.SetDefault("ingest.lock.key", "helpdesk:ingest:lock")
	v.SetDefault("ingest.lock.path", os.TempDir()+"/helpdesk-ingest.lock")
	v.SetDefault("ingest.lock.ttl", 10*time.Minute)
	v.SetDefault("ticket.number_prefix", "TK")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads configuration from configFile (or the default search path when
// empty), applies HELPDESK_* environment overrides and installs the result as
// the current configuration. A .env file in the working directory is loaded
// first when present.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := newViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	mu.Lock()
	cfg = loaded
	mu.Unlock()
	return loaded, nil
}

// Watch reloads the configuration whenever the backing file changes and
// passes the new value to onChange.
func Watch(configFile string, onChange func(*Config, error)) {
	v := newViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		if onChange != nil {
			onChange(nil, fmt.Errorf("failed to read config: %w", err))
		}
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			if onChange != nil {
				onChange(nil, fmt.Errorf("failed to reload config: %w", err))
			}
			return
		}
		mu.Lock()
		cfg = newCfg
		mu.Unlock()
		if onChange != nil {
			onChange(newCfg, nil)
		}
	})
	v.WatchConfig()
}

func newViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("helpdesk")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/helpdesk")
	}
	v.SetEnvPrefix("HELPDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// Validate reports missing mailbox credentials.
func (c *IMAPConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("IMAP credentials not fully configured: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// EffectiveTLSMode resolves the SMTP transport security: smtps, starttls or none.
func (c *EmailConfig) EffectiveTLSMode() string {
	mode := strings.ToLower(strings.TrimSpace(c.SMTP.TLSMode))
	switch mode {
	case "smtps", "tls", "ssl":
		return "smtps"
	case "starttls":
		return "starttls"
	case "none", "off", "plain":
		return "none"
	}
	if c.SMTP.TLS {
		if c.SMTP.Port == 465 {
			return "smtps"
		}
		return "starttls"
	}
	if c.SMTP.Port == 465 {
		return "smtps"
	}
	return "none"
}

// FromAddress returns the configured sender, falling back to the SMTP user.
func (c *EmailConfig) FromAddress() string {
	if c.From != "" {
		return c.From
	}
	return c.SMTP.User
}
