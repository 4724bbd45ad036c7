package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Model    ModelConfig    `mapstructure:"model"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Spotify  SpotifyConfig  `mapstructure:"spotify"`
	Auth     AuthConfig     `mapstructure:"auth"`
	CORS     CORSConfig     `mapstructure:"cors"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type ModelConfig struct {
	Path            string `mapstructure:"path"`
	MetadataPath    string `mapstructure:"metadata_path"`
	ONNXLibraryPath string `mapstructure:"onnx_library_path"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type SpotifyConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	TokenURL     string        `mapstructure:"token_url"`
	APIBaseURL   string        `mapstructure:"api_base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	JWTAudience string        `mapstructure:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MQTTConfig enables detection events when Broker is set.
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	Topic          string        `mapstructure:"topic"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DefaultJWTSecret only suits local runs; release mode refuses it.
const DefaultJWTSecret = "dev-secret"

// EnvPrefix prefixes every environment override, e.g. EMOTUNE_REDIS_ADDR.
const EnvPrefix = "EMOTUNE"

// Load reads configPath (YAML) when it exists, then applies environment
// overrides on top of the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unsupported server mode %q", c.Server.Mode)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Server.Mode == "release" && (c.Auth.JWTSecret == "" || c.Auth.JWTSecret == DefaultJWTSecret) {
		return fmt.Errorf("auth.jwt_secret must be set in release mode")
	}
	if c.Server.MaxUploadSize <= 0 {
		return fmt.Errorf("server.max_upload_size must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_size", 10<<20)

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("model.path", "models/model.onnx")
	v.SetDefault("model.metadata_path", "models/model_metadata.json")
	v.SetDefault("model.onnx_library_path", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "users.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 10*time.Minute)

	v.SetDefault("spotify.client_id", "")
	v.SetDefault("spotify.client_secret", "")
	v.SetDefault("spotify.token_url", "https://accounts.spotify.com/api/token")
	v.SetDefault("spotify.api_base_url", "https://api.spotify.com/v1")
	v.SetDefault("spotify.timeout", 10*time.Second)

	v.SetDefault("auth.jwt_secret", DefaultJWTSecret)
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "emotune/detections")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
}
