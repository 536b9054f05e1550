// Package config loads gateway settings. Sources, lowest precedence first:
// built-in defaults, the YAML file named by CONFIG_FILE, a .env file, and
// process environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mahaj/tourbook-realtime/pkg/snowflake"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Presence      PresenceConfig      `yaml:"presence"`
	Keepalive     KeepaliveConfig     `yaml:"keepalive"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Scylla        ScyllaConfig        `yaml:"scylla"`
	Chat          ChatConfig          `yaml:"chat"`
	Notifications NotificationsConfig `yaml:"notifications"`

	// nodeIDSet records whether NodeID came from the file or environment
	// rather than the built-in default.
	nodeIDSet bool
}

type ServerConfig struct {
	Env      string `yaml:"env"`
	HTTPAddr string `yaml:"httpAddr"`
	LogLevel string `yaml:"logLevel"`
	// NodeID seeds the snowflake generator, owns this gateway's presence
	// entries and identifies it on the fan-out topic. It must be unique per
	// running instance, so it is mandatory once Kafka is enabled.
	NodeID int64 `yaml:"nodeId"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // "sqlite" or "postgres"
	DSN  string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PresenceConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"keyPrefix"`
}

type KeepaliveConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ScyllaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Hosts    []string `yaml:"hosts"`
	Keyspace string   `yaml:"keyspace"`
}

type ChatConfig struct {
	MaxContentLength int `yaml:"maxContentLength"`
	MaxGroupSize     int `yaml:"maxGroupSize"`
}

type NotificationsConfig struct {
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Env:      "development",
			HTTPAddr: ":8080",
			LogLevel: "info",
			NodeID:   1,
		},
		Auth: AuthConfig{
			JWTSecret: "my_secret_key",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "./data/realtime.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Presence: PresenceConfig{
			TTL:       300 * time.Second,
			KeyPrefix: "presence",
		},
		Keepalive: KeepaliveConfig{
			Interval: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:19092"},
			Topic:   "gateway-events",
		},
		Scylla: ScyllaConfig{
			Hosts:    []string{"localhost:9042"},
			Keyspace: "chat",
		},
		Chat: ChatConfig{
			MaxContentLength: 5000,
			MaxGroupSize:     100,
		},
		Notifications: NotificationsConfig{
			Retention:       30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
	}
}

func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	var explicit struct {
		Server struct {
			NodeID *int64 `yaml:"nodeId"`
		} `yaml:"server"`
	}
	if err := yaml.Unmarshal(data, &explicit); err == nil && explicit.Server.NodeID != nil {
		c.nodeIDSet = true
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Server.Env = getEnv("ENV", c.Server.Env)
	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.LogLevel = getEnv("LOG_LEVEL", c.Server.LogLevel)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Database.Type = getEnv("DB_TYPE", c.Database.Type)
	c.Database.DSN = getEnv("DB_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Presence.KeyPrefix = getEnv("PRESENCE_KEY_PREFIX", c.Presence.KeyPrefix)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Scylla.Keyspace = getEnv("SCYLLA_KEYSPACE", c.Scylla.Keyspace)

	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
		c.Kafka.Enabled = len(c.Kafka.Brokers) > 0
	}
	if v, ok := os.LookupEnv("SCYLLA_HOSTS"); ok {
		c.Scylla.Hosts = splitList(v)
		c.Scylla.Enabled = len(c.Scylla.Hosts) > 0
	}

	if v, ok := os.LookupEnv("NODE_ID"); ok && v != "" {
		c.nodeIDSet = true
	}
	var err error
	if c.Server.NodeID, err = getInt64("NODE_ID", c.Server.NodeID); err != nil {
		return err
	}
	if c.Redis.DB, err = getInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Chat.MaxContentLength, err = getInt("CHAT_MAX_CONTENT_LENGTH", c.Chat.MaxContentLength); err != nil {
		return err
	}
	if c.Chat.MaxGroupSize, err = getInt("CHAT_MAX_GROUP_SIZE", c.Chat.MaxGroupSize); err != nil {
		return err
	}
	if c.Presence.TTL, err = getDuration("PRESENCE_TTL", c.Presence.TTL); err != nil {
		return err
	}
	if c.Keepalive.Interval, err = getDuration("KEEPALIVE_INTERVAL", c.Keepalive.Interval); err != nil {
		return err
	}
	if c.Notifications.Retention, err = getDuration("NOTIFICATION_RETENTION", c.Notifications.Retention); err != nil {
		return err
	}
	if c.Notifications.CleanupInterval, err = getDuration("NOTIFICATION_CLEANUP_INTERVAL", c.Notifications.CleanupInterval); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported DB_TYPE %q", c.Database.Type)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET must not be empty")
	}
	if c.Presence.TTL <= 0 || c.Keepalive.Interval <= 0 {
		return fmt.Errorf("config: presence TTL and keepalive interval must be positive")
	}
	// A record must outlive at least one full sweep or live users flap offline.
	if c.Presence.TTL <= c.Keepalive.Interval {
		return fmt.Errorf("config: PRESENCE_TTL (%s) must exceed KEEPALIVE_INTERVAL (%s)", c.Presence.TTL, c.Keepalive.Interval)
	}
	if c.Chat.MaxGroupSize < 2 || c.Chat.MaxContentLength < 1 {
		return fmt.Errorf("config: invalid chat limits")
	}
	if c.Notifications.Retention <= 0 || c.Notifications.CleanupInterval <= 0 {
		return fmt.Errorf("config: notification retention and cleanup interval must be positive")
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > snowflake.MaxNode {
		return fmt.Errorf("config: NODE_ID %d out of range [0, %d]", c.Server.NodeID, snowflake.MaxNode)
	}
	if c.Kafka.Enabled && c.Kafka.Topic == "" {
		return fmt.Errorf("config: KAFKA_TOPIC is required when Kafka is enabled")
	}
	// Gateways sharing a topic tell their events, ids and presence entries
	// apart by node id; two on the default would silently collide.
	if c.Kafka.Enabled && !c.nodeIDSet {
		return fmt.Errorf("config: NODE_ID must be set explicitly when KAFKA_BROKERS is set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, def int64) (int64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
