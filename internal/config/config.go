// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	envPrefix      = "VINEGUARD"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Simulator SimulatorConfig `mapstructure:"simulator" yaml:"simulator"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Influx    InfluxConfig    `mapstructure:"influx" yaml:"influx"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	Env             string        `mapstructure:"env" yaml:"env"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Production reports whether debug affordances must be disabled.
func (s ServerConfig) Production() bool { return s.Env == EnvProduction }

type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiration int    `mapstructure:"jwt_expiration" yaml:"jwt_expiration"` // in minutes
	Users         []User `mapstructure:"users" yaml:"users"`
}

// User is a configured owner account.
type User struct {
	ID           int64  `mapstructure:"id" yaml:"id"`
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	Role         string `mapstructure:"role" yaml:"role"`
	SensorCount  int    `mapstructure:"sensor_count" yaml:"sensor_count"`
	Active       bool   `mapstructure:"active" yaml:"active"`
}

type SimulatorConfig struct {
	Interval              time.Duration  `mapstructure:"interval" yaml:"interval"`
	Seed                  int64          `mapstructure:"seed" yaml:"seed"`
	CountPerType          int            `mapstructure:"count_per_type" yaml:"count_per_type"`
	RoleAllotments        map[string]int `mapstructure:"role_allotments" yaml:"role_allotments"`
	DefaultAllotment      int            `mapstructure:"default_allotment" yaml:"default_allotment"`
	Workers               int            `mapstructure:"workers" yaml:"workers"`
	SeedDefaultThresholds bool           `mapstructure:"seed_default_thresholds" yaml:"seed_default_thresholds"`
}

// Allotment is the number of sensors an owner gets: an explicit count wins,
// then the role table, then the default.
func (s SimulatorConfig) Allotment(role string, sensorCount int) int {
	if sensorCount > 0 {
		return sensorCount
	}
	if n, ok := s.RoleAllotments[strings.ToLower(role)]; ok {
		return n
	}
	return s.DefaultAllotment
}

type DatabaseConfig struct {
	Driver string     `mapstructure:"driver" yaml:"driver"`
	DSN    string     `mapstructure:"dsn" yaml:"dsn"`
	Pool   PoolConfig `mapstructure:"pool" yaml:"pool"`
	Debug  bool       `mapstructure:"debug" yaml:"debug"`
}

type PoolConfig struct {
	MaxIdleConns    int `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxOpenConns    int `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"` // in seconds
}

type InfluxConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	URL         string        `mapstructure:"url" yaml:"url"`
	Token       string        `mapstructure:"token" yaml:"token"`
	Org         string        `mapstructure:"org" yaml:"org"`
	Bucket      string        `mapstructure:"bucket" yaml:"bucket"`
	Measurement string        `mapstructure:"measurement" yaml:"measurement"`
	Breaker     BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
}

type MQTTConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"`
	ClientID       string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix    string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	QoS            byte   `mapstructure:"qos" yaml:"qos"`
	ConnectRetries int    `mapstructure:"connect_retries" yaml:"connect_retries"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads config.yaml from path (a directory or a file), applies
// VINEGUARD_* environment overrides and validates the result. A missing file
// is not an error: defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if ext := filepath.Ext(path); ext != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // name of config file (without extension)
		v.SetConfigType("yaml")
		if path == "" {
			path = "."
		}
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", EnvDevelopment)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration", 60)

	v.SetDefault("simulator.interval", "300s")
	v.SetDefault("simulator.seed", 0)
	v.SetDefault("simulator.count_per_type", 2)
	v.SetDefault("simulator.role_allotments", map[string]int{"admin": 20, "manager": 20, "viewer": 20})
	v.SetDefault("simulator.default_allotment", 20)
	v.SetDefault("simulator.workers", 8)
	v.SetDefault("simulator.seed_default_thresholds", true)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.pool.max_idle_conns", 5)
	v.SetDefault("database.pool.max_open_conns", 20)
	v.SetDefault("database.pool.conn_max_lifetime", 300)
	v.SetDefault("database.debug", false)

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "vineguard")
	v.SetDefault("influx.bucket", "telemetry")
	v.SetDefault("influx.measurement", "sensor_reading")
	v.SetDefault("influx.breaker.max_failures", 5)
	v.SetDefault("influx.breaker.open_timeout", "30s")
	v.SetDefault("influx.breaker.interval", "60s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.user", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "vineguard-gateway")
	v.SetDefault("mqtt.topic_prefix", "vineguard/alerts")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_retries", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Env {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("server.env: unknown environment %q", c.Server.Env)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Server.Production() && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required in production")
	}
	if c.Simulator.Interval <= 0 {
		return errors.New("simulator.interval must be positive")
	}
	if c.Simulator.CountPerType <= 0 {
		return errors.New("simulator.count_per_type must be positive")
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres", "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Token == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return errors.New("influx config incomplete")
	}
	seen := make(map[int64]bool)
	for _, u := range c.Auth.Users {
		if u.ID <= 0 {
			return fmt.Errorf("auth.users: user %q needs a positive id", u.Username)
		}
		if seen[u.ID] {
			return fmt.Errorf("auth.users: duplicate id %d", u.ID)
		}
		seen[u.ID] = true
	}
	return nil
}
