package config

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Messaging MessagingConfig `mapstructure:"messaging"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	NodeID   int64  `mapstructure:"node_id"`
}

type HTTPConfig struct {
	Port       int    `mapstructure:"port"`
	Mode       string `mapstructure:"mode"`
	HealthPort int    `mapstructure:"health_port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type NATSConfig struct {
	URL              string        `mapstructure:"url"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	ReconnectWait    time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait"`
}

type JWTConfig struct {
	SecretKey    string        `mapstructure:"secret_key"`
	AccessExpire time.Duration `mapstructure:"access_expire"`
}

// MessagingConfig tunes the messaging core.
type MessagingConfig struct {
	MaxContentLength int           `mapstructure:"max_content_length"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DedupWindow      int           `mapstructure:"dedup_window"`
	SendRateLimit    int           `mapstructure:"send_rate_limit"`
	SendRateWindow   time.Duration `mapstructure:"send_rate_window"`
	StoreDriver      string        `mapstructure:"store_driver"`
	BusDriver        string        `mapstructure:"bus_driver"`
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
	BusDriverNATS       = "nats"
	BusDriverLocal      = "local"
)

// Default returns a complete configuration. Load starts from it, so keys
// missing from the YAML file keep these values.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:     "portal-messaging",
			LogLevel: "info",
			NodeID:   1,
		},
		HTTP: HTTPConfig{
			Port:       8080,
			Mode:       "release",
			HealthPort: 8081,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "portal",
			User:            "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 20,
		},
		NATS: NATSConfig{
			URL:              "nats://localhost:4222",
			MaxReconnects:    10,
			ReconnectWait:    500 * time.Millisecond,
			MaxReconnectWait: 30 * time.Second,
		},
		JWT: JWTConfig{
			AccessExpire: 24 * time.Hour,
		},
		Messaging: MessagingConfig{
			MaxContentLength: 4000,
			PollInterval:     30 * time.Second,
			DedupWindow:      1024,
			SendRateLimit:    30,
			SendRateWindow:   time.Minute,
			StoreDriver:      StoreDriverPostgres,
			BusDriver:        BusDriverNATS,
		},
	}
}

// Load reads the YAML file at path over Default, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	return cfg, nil
}

// applyEnv overrides config values from the environment.
func (c *Config) applyEnv() {
	// App
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.NodeID = int64(getEnvInt("NODE_ID", int(c.App.NodeID)))

	// HTTP
	c.HTTP.Port = getEnvInt("HTTP_PORT", c.HTTP.Port)
	c.HTTP.HealthPort = getEnvInt("HEALTH_PORT", c.HTTP.HealthPort)

	// Database
	c.Database.Host = getEnv("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("POSTGRES_PORT", c.Database.Port)
	c.Database.User = getEnv("POSTGRES_USER", c.Database.User)
	c.Database.Password = getEnv("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("POSTGRES_DB", c.Database.Name)

	// Redis
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	// NATS
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)

	// JWT
	c.JWT.SecretKey = getEnv("JWT_SECRET", c.JWT.SecretKey)
	c.JWT.AccessExpire = getEnvDuration("JWT_ACCESS_EXPIRE", c.JWT.AccessExpire)

	// Messaging
	c.Messaging.StoreDriver = getEnv("STORE_DRIVER", c.Messaging.StoreDriver)
	c.Messaging.BusDriver = getEnv("BUS_DRIVER", c.Messaging.BusDriver)
	c.Messaging.PollInterval = getEnvDuration("POLL_INTERVAL", c.Messaging.PollInterval)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
