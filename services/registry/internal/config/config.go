package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Catch-labs/smart-contracts/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type KafkaTopics struct {
	Commands   string
	Results    string
	DeadLetter string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type VerificationConfig struct {
	BaseURL string
	Timeout time.Duration
	// Static lists pre-verified accounts for dev environments without a
	// provider. Ignored when BaseURL is set.
	Static []string
}

// RedisConfig enables a verification answer cache in front of the provider.
// Empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

type Config struct {
	App          base.AppConfig
	DB           DBConfig
	Kafka        KafkaConfig
	Verification VerificationConfig
	Redis        RedisConfig
	JWTSecret    string
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("CATCH_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("CATCH_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "registry-service")
	v.SetDefault("kafka.topics.commands", "registry.commands")
	v.SetDefault("kafka.topics.results", "registry.results")
	v.SetDefault("kafka.topics.dead_letter", "registry.dlq")
	v.SetDefault("verification.timeout", "5s")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "catch_registry"),
			User:     envString("POSTGRES_USER", "catch"),
			Password: envString("POSTGRES_PASSWORD", "catch"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Commands:   envString("KAFKA_REGISTRY_COMMANDS_TOPIC", v.GetString("kafka.topics.commands")),
				Results:    envString("KAFKA_REGISTRY_RESULTS_TOPIC", v.GetString("kafka.topics.results")),
				DeadLetter: envString("KAFKA_REGISTRY_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Verification: VerificationConfig{
			BaseURL: envString("CATCH_VERIFICATION_URL", v.GetString("verification.base_url")),
			Timeout: envDuration("CATCH_VERIFICATION_TIMEOUT", v.GetDuration("verification.timeout")),
			Static:  envCSV("CATCH_VERIFIED_ACCOUNTS", v.GetStringSlice("verification.static")),
		},
		Redis: RedisConfig{
			Addr:     envString("CATCH_REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("CATCH_REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("CATCH_REDIS_DB", 0),
			CacheTTL: envDuration("CATCH_VERIFICATION_CACHE_TTL", 5*time.Minute),
		},
		JWTSecret: envString("CATCH_JWT_SECRET", ""),
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.Commands == "" || cfg.Kafka.Topics.Results == "" {
		return nil, fmt.Errorf("kafka command and result topics required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("CATCH_JWT_SECRET is required")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
