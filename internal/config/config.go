package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "LIVECHAT"

type Config struct {
	App      AppConfig      `mapstructure:"app" yaml:"app"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	QUIC     QUICConfig     `mapstructure:"quic" yaml:"quic"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits"`
	Workers  WorkerConfig   `mapstructure:"workers" yaml:"workers"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

type AppConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	NodeID int64  `mapstructure:"node_id" yaml:"node_id"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type ServerConfig struct {
	HTTPAddr               string        `mapstructure:"http_addr" yaml:"http_addr"`
	HealthAddr             string        `mapstructure:"health_addr" yaml:"health_addr"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	HeartbeatCheckInterval time.Duration `mapstructure:"heartbeat_check_interval" yaml:"heartbeat_check_interval"`
	AuthTimeout            time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	PersistTimeout         time.Duration `mapstructure:"persist_timeout" yaml:"persist_timeout"`
	SendBuffer             int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	MaxFrameSize           int           `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	AllowedOrigins         []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type QUICConfig struct {
	Enabled               bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr                  string        `mapstructure:"addr" yaml:"addr"`
	CertFile              string        `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile               string        `mapstructure:"key_file" yaml:"key_file"`
	MaxIdleTimeout        time.Duration `mapstructure:"max_idle_timeout" yaml:"max_idle_timeout"`
	KeepAlivePeriod       time.Duration `mapstructure:"keep_alive_period" yaml:"keep_alive_period"`
	MaxIncomingStreams    int64         `mapstructure:"max_incoming_streams" yaml:"max_incoming_streams"`
	MaxIncomingUniStreams int64         `mapstructure:"max_incoming_uni_streams" yaml:"max_incoming_uni_streams"`
	Allow0RTT             bool          `mapstructure:"allow_0rtt" yaml:"allow_0rtt"`
}

type NATSConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	URL                string        `mapstructure:"url" yaml:"url"`
	MaxReconnects      int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait      time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	EventSubjectPrefix string        `mapstructure:"event_subject_prefix" yaml:"event_subject_prefix"`
	CommandSubject     string        `mapstructure:"command_subject" yaml:"command_subject"`
	QueueGroup         string        `mapstructure:"queue_group" yaml:"queue_group"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size"`
	LocationTTL time.Duration `mapstructure:"location_ttl" yaml:"location_ttl"`
}

type DatabaseConfig struct {
	Driver     string         `mapstructure:"driver" yaml:"driver"`
	PebblePath string         `mapstructure:"pebble_path" yaml:"pebble_path"`
	Postgres   PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Name            string        `mapstructure:"name" yaml:"name"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	Mode       string        `mapstructure:"mode" yaml:"mode"`
	JWTSecret  string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Issuer     string        `mapstructure:"issuer" yaml:"issuer"`
	AccessTTL  time.Duration `mapstructure:"access_ttl" yaml:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl" yaml:"refresh_ttl"`
}

type LimitsConfig struct {
	EventsPerSecond float64 `mapstructure:"events_per_second" yaml:"events_per_second"`
	Burst           int     `mapstructure:"burst" yaml:"burst"`
}

type WorkerConfig struct {
	Size      int `mapstructure:"size" yaml:"size"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

const (
	DriverPebble   = "pebble"
	DriverPostgres = "postgres"

	AuthModeJWT   = "jwt"
	AuthModeRedis = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "livechat")
	v.SetDefault("app.node_id", 1)

	v.SetDefault("server.http_addr", ":8088")
	v.SetDefault("server.health_addr", ":8080")
	v.SetDefault("server.heartbeat_timeout", 90*time.Second)
	v.SetDefault("server.heartbeat_check_interval", 30*time.Second)
	v.SetDefault("server.auth_timeout", 10*time.Second)
	v.SetDefault("server.persist_timeout", 5*time.Second)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.max_frame_size", 1<<20)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("quic.enabled", false)
	v.SetDefault("quic.addr", ":4433")
	v.SetDefault("quic.cert_file", "")
	v.SetDefault("quic.key_file", "")
	v.SetDefault("quic.max_idle_timeout", 60*time.Second)
	v.SetDefault("quic.keep_alive_period", 15*time.Second)
	v.SetDefault("quic.max_incoming_streams", 100)
	v.SetDefault("quic.max_incoming_uni_streams", 100)
	v.SetDefault("quic.allow_0rtt", false)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.event_subject_prefix", "im.livechat.events")
	v.SetDefault("nats.command_subject", "im.livechat.commands")
	v.SetDefault("nats.queue_group", "livechat")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.location_ttl", 24*time.Hour)

	v.SetDefault("database.driver", DriverPebble)
	v.SetDefault("database.pebble_path", "data/livechat")
	v.SetDefault("database.postgres.dsn", "")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.name", "livechat")
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_open_conns", 20)
	v.SetDefault("database.postgres.max_idle_conns", 2)
	v.SetDefault("database.postgres.conn_max_lifetime", time.Hour)

	v.SetDefault("auth.mode", AuthModeJWT)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.access_ttl", 2*time.Hour)
	v.SetDefault("auth.refresh_ttl", 7*24*time.Hour)

	v.SetDefault("limits.events_per_second", 20.0)
	v.SetDefault("limits.burst", 40)

	v.SetDefault("workers.size", 8)
	v.SetDefault("workers.queue_size", 1024)

	v.SetDefault("logging.level", "info")
}

// Load 从指定路径加载配置。path 为空时只使用默认值和环境变量。
// 当前目录存在 .env 时先载入，已有的环境变量不会被覆盖。
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
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

// Validate 拒绝无法启动的配置
func (c *Config) Validate() error {
	var errs []error
	if c.App.NodeID < 0 || c.App.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("app.node_id must be in [0, 1023], got %d", c.App.NodeID))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.HTTPAddr == "" && !c.QUIC.Enabled {
		errs = append(errs, errors.New("server.http_addr is empty and quic is disabled: no transport to serve"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	switch c.Database.Driver {
	case DriverPebble:
		if c.Database.PebblePath == "" {
			errs = append(errs, errors.New("database.pebble_path is required for the pebble driver"))
		}
	case DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of pebble|postgres", c.Database.Driver))
	}
	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required when auth.mode is jwt"))
		}
	case AuthModeRedis:
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("auth.mode redis requires redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not one of jwt|redis", c.Auth.Mode))
	}
	if c.Limits.EventsPerSecond <= 0 || c.Limits.Burst <= 0 {
		errs = append(errs, errors.New("limits.events_per_second and limits.burst must be positive"))
	}
	if c.Workers.Size <= 0 || c.Workers.QueueSize <= 0 {
		errs = append(errs, errors.New("workers.size and workers.queue_size must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel 把配置的日志级别转换为 slog.Level
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug|info|warn|error", l.Level)
	}
	return level, nil
}

// PostgresDSN 优先使用显式 DSN，否则由各字段拼接
func (c *Config) PostgresDSN() string {
	p := c.Database.Postgres
	if p.DSN != "" {
		return p.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Name,
		RawQuery: "sslmode=" + p.SSLMode,
	}
	return u.String()
}

// Render 输出生效配置的 YAML，密钥类字段打码
func (c *Config) Render() ([]byte, error) {
	redacted := *c
	redacted.Redis.Password = mask(c.Redis.Password)
	redacted.Database.Postgres.Password = mask(c.Database.Postgres.Password)
	redacted.Database.Postgres.DSN = maskDSN(c.Database.Postgres.DSN)
	redacted.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	return yaml.Marshal(&redacted)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxxx")
	}
	return u.String()
}
