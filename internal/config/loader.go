package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/engraph/internal/db"
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port            int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// CacheConfig holds the data-graph cache bounds.
type CacheConfig struct {
	EntityTypeIDSize int
	EntityTypeIDTTL  time.Duration
	TopUtilizersSize int
	TopUtilizersTTL  time.Duration
}

// Config is the full process configuration.
type Config struct {
	DB     db.Config
	Server ServerConfig
	Cache  CacheConfig
}

// DefaultConfig returns the standing defaults, used when no config file or
// environment override is present.
func DefaultConfig() Config {
	return Config{
		DB: db.DefaultConfig(),
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			EntityTypeIDSize: 1024,
			EntityTypeIDTTL:  5 * time.Minute,
			TopUtilizersSize: 256,
			TopUtilizersTTL:  30 * time.Second,
		},
	}
}

// Load reads config.yaml from configPath, falling back to defaults plus
// environment overrides (ENGRAPH_DATABASE_HOST and friends).
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("ENGRAPH")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.port")

	if err := v.ReadInConfig(); err != nil {
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.DB.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.DB.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.DB.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.DB.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DB.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.DB.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("server.shutdown_timeout") {
		cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	}
	if v.IsSet("cache.entity_type_id_size") {
		cfg.Cache.EntityTypeIDSize = v.GetInt("cache.entity_type_id_size")
	}
	if v.IsSet("cache.entity_type_id_ttl") {
		cfg.Cache.EntityTypeIDTTL = v.GetDuration("cache.entity_type_id_ttl")
	}
	if v.IsSet("cache.top_utilizers_size") {
		cfg.Cache.TopUtilizersSize = v.GetInt("cache.top_utilizers_size")
	}
	if v.IsSet("cache.top_utilizers_ttl") {
		cfg.Cache.TopUtilizersTTL = v.GetDuration("cache.top_utilizers_ttl")
	}

	return cfg, nil
}
