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
	LedgerCommands   string
	LedgerResults    string
	RegistryCommands string
	RegistryResults  string
	DeadLetter       string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

// ReconcilerConfig tunes the stale-trade sweeper. Staleness is how long a
// trade may sit in a non-terminal state before it is re-examined.
type ReconcilerConfig struct {
	Staleness time.Duration
	Interval  time.Duration
}

type ClientsConfig struct {
	LedgerURL   string
	RegistryURL string
	Timeout     time.Duration
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Reconciler ReconcilerConfig
	Clients    ClientsConfig
	JWTSecret  string
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
	v.SetDefault("kafka.consumer_group", "settlement-service")
	v.SetDefault("kafka.topics.ledger_commands", "ledger.commands")
	v.SetDefault("kafka.topics.ledger_results", "ledger.results")
	v.SetDefault("kafka.topics.registry_commands", "registry.commands")
	v.SetDefault("kafka.topics.registry_results", "registry.results")
	v.SetDefault("kafka.topics.dead_letter", "settlement.dlq")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "catch_settlement"),
			User:     envString("POSTGRES_USER", "catch"),
			Password: envString("POSTGRES_PASSWORD", "catch"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				LedgerCommands:   envString("KAFKA_LEDGER_COMMANDS_TOPIC", v.GetString("kafka.topics.ledger_commands")),
				LedgerResults:    envString("KAFKA_LEDGER_RESULTS_TOPIC", v.GetString("kafka.topics.ledger_results")),
				RegistryCommands: envString("KAFKA_REGISTRY_COMMANDS_TOPIC", v.GetString("kafka.topics.registry_commands")),
				RegistryResults:  envString("KAFKA_REGISTRY_RESULTS_TOPIC", v.GetString("kafka.topics.registry_results")),
				DeadLetter:       envString("KAFKA_SETTLEMENT_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Reconciler: ReconcilerConfig{
			Staleness: envDuration("CATCH_RECONCILER_STALENESS", 30*time.Second),
			Interval:  envDuration("CATCH_RECONCILER_INTERVAL", 15*time.Second),
		},
		Clients: ClientsConfig{
			LedgerURL:   envString("CATCH_LEDGER_URL", "http://localhost:8081"),
			RegistryURL: envString("CATCH_REGISTRY_URL", "http://localhost:8082"),
			Timeout:     envDuration("CATCH_CLIENT_TIMEOUT", 5*time.Second),
		},
		JWTSecret: envString("CATCH_JWT_SECRET", ""),
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.LedgerCommands == "" || cfg.Kafka.Topics.RegistryCommands == "" {
		return nil, fmt.Errorf("kafka command topics required")
	}
	if cfg.Kafka.Topics.LedgerResults == "" || cfg.Kafka.Topics.RegistryResults == "" {
		return nil, fmt.Errorf("kafka result topics required")
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
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
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
