package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. TASKBUS_KAFKA_BROKERS.
const EnvPrefix = "TASKBUS"

const (
	keyPubSubSystem         = "pubsub_system"
	keyKafkaBrokers         = "kafka_brokers"
	keyKafkaClientID        = "kafka_client_id"
	keyConsumerGroup        = "consumer_group"
	keyProducerName         = "producer_name"
	keyMaxPublishRetries    = "max_publish_retries"
	keyPublishBackoff       = "publish_backoff"
	keyMaxConsumeRetries    = "max_consume_retries"
	keyConsumeBackoff       = "consume_backoff"
	keyConsumeMaxBackoff    = "consume_max_backoff"
	keyHandlerTimeout       = "handler_timeout"
	keyPostgresURL          = "postgres_url"
	keyRedisURL             = "redis_url"
	keyDedupeTTL            = "dedupe_ttl"
	keyReminderScanInterval = "reminder_scan_interval"
	keyMetricsEnabled       = "metrics_enabled"
	keyAdminPort            = "admin_port"
	keyLogLevel             = "log_level"
)

// Load reads the configuration from TASKBUS_* environment variables and, when
// path is not empty, from a YAML or JSON file. Environment values win over the
// file. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		PubSubSystem:         strings.ToLower(v.GetString(keyPubSubSystem)),
		KafkaBrokers:         splitList(v.GetStringSlice(keyKafkaBrokers)),
		KafkaClientID:        v.GetString(keyKafkaClientID),
		ConsumerGroup:        v.GetString(keyConsumerGroup),
		ProducerName:         v.GetString(keyProducerName),
		MaxPublishRetries:    v.GetInt(keyMaxPublishRetries),
		PublishBackoff:       v.GetDuration(keyPublishBackoff),
		MaxConsumeRetries:    v.GetInt(keyMaxConsumeRetries),
		ConsumeBackoff:       v.GetDuration(keyConsumeBackoff),
		ConsumeMaxBackoff:    v.GetDuration(keyConsumeMaxBackoff),
		HandlerTimeout:       v.GetDuration(keyHandlerTimeout),
		PostgresURL:          v.GetString(keyPostgresURL),
		RedisURL:             v.GetString(keyRedisURL),
		DedupeTTL:            v.GetDuration(keyDedupeTTL),
		ReminderScanInterval: v.GetDuration(keyReminderScanInterval),
		MetricsEnabled:       v.GetBool(keyMetricsEnabled),
		AdminPort:            v.GetInt(keyAdminPort),
		LogLevel:             v.GetString(keyLogLevel),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyPubSubSystem, DefaultPubSubSystem)
	v.SetDefault(keyKafkaBrokers, []string{"localhost:9092"})
	v.SetDefault(keyKafkaClientID, "taskbus")
	v.SetDefault(keyConsumerGroup, DefaultConsumerGroup)
	v.SetDefault(keyProducerName, DefaultProducerName)
	v.SetDefault(keyMaxPublishRetries, DefaultMaxPublishRetries)
	v.SetDefault(keyPublishBackoff, DefaultPublishBackoff)
	v.SetDefault(keyMaxConsumeRetries, DefaultMaxConsumeRetries)
	v.SetDefault(keyConsumeBackoff, DefaultConsumeBackoff)
	v.SetDefault(keyConsumeMaxBackoff, DefaultConsumeMaxBackoff)
	v.SetDefault(keyHandlerTimeout, DefaultHandlerTimeout)
	v.SetDefault(keyPostgresURL, "")
	v.SetDefault(keyRedisURL, "")
	v.SetDefault(keyDedupeTTL, DefaultDedupeTTL)
	v.SetDefault(keyReminderScanInterval, DefaultReminderScanInterval)
	v.SetDefault(keyMetricsEnabled, true)
	v.SetDefault(keyAdminPort, DefaultAdminPort)
	v.SetDefault(keyLogLevel, DefaultLogLevel)
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
