package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Zed-Softworks-Official/nemu-sub003/libs/config"
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

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type StripeConfig struct {
	APIBase       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

type InvoiceConfig struct {
	DueIn  time.Duration
	FeeBps int
}

type KafkaConfig struct {
	Enabled            bool
	Brokers            []string
	NotificationsTopic string
	DeadLetterTopic    string
}

type CronConfig struct {
	Secret string
	// Interval > 0 runs the reconciler on an internal ticker instead of
	// relying on the external scheduler hitting the cron endpoint.
	Interval time.Duration
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Stripe    StripeConfig
	Invoice   InvoiceConfig
	Kafka     KafkaConfig
	Cron      CronConfig
	JWTSecret string
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("NEMU_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("NEMU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("NEMU_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "nemu:")
	v.SetDefault("stripe.api_base", "https://api.stripe.com/v1")
	v.SetDefault("stripe.timeout", "10s")
	v.SetDefault("invoice.due_in", "48h")
	v.SetDefault("invoice.fee_bps", 1000)
	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.notifications_topic", "notifications.trigger")
	v.SetDefault("kafka.dead_letter_topic", "dead_letter")
	v.SetDefault("cron.interval", "0s")
	v.SetDefault("jwt_secret", "")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "nemu")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "nemu")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "nemu")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
		},
		Redis: RedisConfig{
			Addr:      envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password:  envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:        envInt("REDIS_DB", v.GetInt("redis.db")),
			KeyPrefix: envString("REDIS_KEY_PREFIX", v.GetString("redis.key_prefix")),
		},
		Stripe: StripeConfig{
			APIBase:       envString("STRIPE_API_BASE", v.GetString("stripe.api_base")),
			APIKey:        envString("STRIPE_API_KEY", v.GetString("stripe.api_key")),
			WebhookSecret: envString("STRIPE_WEBHOOK_SECRET", v.GetString("stripe.webhook_secret")),
			Timeout:       envDuration("STRIPE_TIMEOUT", v.GetDuration("stripe.timeout")),
		},
		Invoice: InvoiceConfig{
			DueIn:  envDuration("INVOICE_DUE_IN", v.GetDuration("invoice.due_in")),
			FeeBps: envInt("INVOICE_FEE_BPS", v.GetInt("invoice.fee_bps")),
		},
		Kafka: KafkaConfig{
			Enabled:            envBool("KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers:            envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			NotificationsTopic: envString("KAFKA_NOTIFICATIONS_TOPIC", v.GetString("kafka.notifications_topic")),
			DeadLetterTopic:    envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.dead_letter_topic")),
		},
		Cron: CronConfig{
			Secret:   envString("CRON_SECRET", v.GetString("cron.secret")),
			Interval: envDuration("CRON_INTERVAL", v.GetDuration("cron.interval")),
		},
		JWTSecret: envString("JWT_SECRET", v.GetString("jwt_secret")),
	}

	if cfg.Stripe.APIBase == "" {
		return nil, fmt.Errorf("stripe api base required")
	}
	if cfg.Stripe.Timeout <= 0 {
		return nil, fmt.Errorf("stripe timeout must be positive")
	}
	if cfg.Invoice.DueIn <= 0 {
		return nil, fmt.Errorf("invoice due_in must be positive")
	}
	if cfg.Invoice.FeeBps < 0 || cfg.Invoice.FeeBps > 10000 {
		return nil, fmt.Errorf("invoice fee_bps must be between 0 and 10000")
	}
	if cfg.Cron.Secret == "" {
		return nil, fmt.Errorf("cron secret required")
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.Enabled && cfg.Kafka.NotificationsTopic == "" {
		return nil, fmt.Errorf("kafka notifications topic required")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv("NEMU_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv("NEMU_" + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv("NEMU_" + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv("NEMU_" + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	for _, name := range []string{"NEMU_" + key, key} {
		if v := os.Getenv(name); v != "" {
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
	}
	return def
}
