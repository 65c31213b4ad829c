package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vn.io.arda/dirsync/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Sync     SyncConfig     `mapstructure:"sync"`
	TTL      TTLConfig      `mapstructure:"ttl"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	ConsumerGroupID string   `mapstructure:"consumer_group_id"`
	Topics          []string `mapstructure:"topics"`
	// Enabled turns the consumer on; the one-shot CLI commands leave it off.
	Enabled bool `mapstructure:"enabled"`
}

// GraphConfig carries the Entra tenant and the client-credentials pair
// used to call Microsoft Graph. The secret is never logged.
type GraphConfig struct {
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// RequestsPerSecond throttles outgoing Graph calls. Default: 10.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type SyncConfig struct {
	// AppID is the application (client) ID of the target service principal.
	AppID string `mapstructure:"app_id"`
	Mode  string `mapstructure:"mode"`
	// Interval between auto-mode runs, cron-style friendly as a duration.
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
	Retries  int           `mapstructure:"retries"`
	// DesiredFile points at a YAML file listing desired assignments.
	DesiredFile string `mapstructure:"desired_file"`
	// DesiredGroupID / DesiredRoleID derive the desired state from a
	// directory group's membership instead of a file.
	DesiredGroupID string `mapstructure:"desired_group_id"`
	DesiredRoleID  string `mapstructure:"desired_role_id"`
}

type TTLConfig struct {
	RetentionDays int `mapstructure:"retention_days"` // Default: 30
}

// Load reads configuration from environment variables and config files.
// Environment variables override file values. Prefix: DIRSYNC_
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.env", "development")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "dirsync")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group_id", "dirsync-group")
	v.SetDefault("kafka.topics", []string{"iam-events", "sync-commands"})
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("graph.requests_per_second", 10.0)
	v.SetDefault("sync.mode", "manual")
	v.SetDefault("sync.interval", time.Hour)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.retries", 3)
	v.SetDefault("ttl.retention_days", 30)

	// Environment variables (e.g. DIRSYNC_GRAPH_TENANT_ID -> graph.tenant_id)
	v.SetEnvPrefix("DIRSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Also support the conventional Azure env vars without prefix
	v.BindEnv("graph.tenant_id", "AZURE_OWN_TENANT_ID", "AZURE_TENANT_ID")
	v.BindEnv("graph.client_id", "AZURE_CLIENT_APP_ID", "AZURE_CLIENT_ID")
	v.BindEnv("graph.client_secret", "AZURE_CLIENT_APP_SECRET", "AZURE_CLIENT_SECRET")
	v.BindEnv("sync.app_id", "SYNC_APP_ID")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("server.port", "PORT")

	// Try loading config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // Not required

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the credentials required to reach the directory
// are present. Missing credentials are a configuration error, not a
// retryable one.
func (c *Config) Validate() error {
	missing := make([]string, 0, 3)
	if c.Graph.TenantID == "" {
		missing = append(missing, "graph.tenant_id")
	}
	if c.Graph.ClientID == "" {
		missing = append(missing, "graph.client_id")
	}
	if c.Graph.ClientSecret == "" {
		missing = append(missing, "graph.client_secret")
	}
	if len(missing) > 0 {
		return domain.NewOpError(domain.KindConfig, "config.validate",
			fmt.Errorf("missing required settings: %s", strings.Join(missing, ", ")))
	}
	if c.Sync.Mode != "manual" && c.Sync.Mode != "auto" {
		return domain.NewOpError(domain.KindConfig, "config.validate",
			fmt.Errorf("sync.mode must be %q or %q, got %q", "manual", "auto", c.Sync.Mode))
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + itoa(d.Port) +
		" dbname=" + d.Name +
		" user=" + d.User +
		" password=" + d.Password +
		" sslmode=disable"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
