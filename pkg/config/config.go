package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/krep/pkg/kafka"
	"github.com/edgeflare/krep/pkg/replicator"
	"github.com/edgeflare/krep/pkg/util"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/krep/pkg/config.Version=...".
var Version = "dev"

// ErrConfiguration is wrapped by every validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config holds the replicator configuration read from the environment.
type Config struct {
	SourceBootstrapServers []string          `mapstructure:"source_bootstrap_servers"`
	TargetBootstrapServers []string          `mapstructure:"target_bootstrap_servers"`
	TopicMapping           map[string]string `mapstructure:"topic_mapping"`
	ConsumerGroupID        string            `mapstructure:"consumer_group_id"`
	AutoOffsetReset        string            `mapstructure:"auto_offset_reset"`

	KafkaVersion string        `mapstructure:"kafka_version"`
	SourceSASL   kafka.SASL    `mapstructure:"source_sasl"`
	TargetSASL   kafka.SASL    `mapstructure:"target_sasl"`
	SourceTLS    kafka.TLS     `mapstructure:"source_tls"`
	TargetTLS    kafka.TLS     `mapstructure:"target_tls"`
	CommitMode   string        `mapstructure:"commit_mode"`
	Dedup        DedupConfig   `mapstructure:"dedup"`
	Metrics      MetricsConfig `mapstructure:"metrics"`

	HeartbeatInterval            time.Duration `mapstructure:"heartbeat_interval"`
	EnsureTargetTopics           bool          `mapstructure:"ensure_target_topics"`
	TargetTopicReplicationFactor int16         `mapstructure:"target_topic_replication_factor"`
	LogLevel                     string        `mapstructure:"log_level"`
}

type DedupConfig struct {
	Capacity   int `mapstructure:"capacity"`
	EvictBatch int `mapstructure:"evict_batch"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// keys lists every setting; nested keys map to env names by replacing "." with "_".
var keys = []string{
	"source_bootstrap_servers",
	"target_bootstrap_servers",
	"topic_mapping",
	"consumer_group_id",
	"auto_offset_reset",
	"kafka_version",
	"source_sasl.enable", "source_sasl.username", "source_sasl.password", "source_sasl.algorithm",
	"target_sasl.enable", "target_sasl.username", "target_sasl.password", "target_sasl.algorithm",
	"source_tls.enable", "source_tls.cert_file", "source_tls.key_file", "source_tls.ca_file", "source_tls.skip_verify",
	"target_tls.enable", "target_tls.cert_file", "target_tls.key_file", "target_tls.ca_file", "target_tls.skip_verify",
	"commit_mode",
	"dedup.capacity", "dedup.evict_batch",
	"metrics.enabled", "metrics.addr",
	"heartbeat_interval",
	"ensure_target_topics",
	"target_topic_replication_factor",
	"log_level",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("auto_offset_reset", "earliest")
	v.SetDefault("kafka_version", "2.1.1")
	v.SetDefault("commit_mode", string(replicator.CommitAuto))
	v.SetDefault("dedup.capacity", replicator.DefaultDedupCapacity)
	v.SetDefault("dedup.evict_batch", replicator.DefaultDedupEvictBatch)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("heartbeat_interval", replicator.DefaultHeartbeatInterval)
	v.SetDefault("ensure_target_topics", false)
	v.SetDefault("log_level", "info")
}

// LoadEnvFile loads the dotenv file named by KREP_ENV_FILE (default ".env")
// into the process environment when it exists. Variables already set take
// precedence over the file, so calling it more than once is harmless.
func LoadEnvFile() error {
	envFile := util.GetEnvOrDefault("KREP_ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err != nil {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("%w: load %s: %w", ErrConfiguration, envFile, err)
	}
	return nil
}

// Load reads the configuration from the environment after LoadEnvFile.
func Load() (*Config, error) {
	if err := LoadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("%w: bind %s: %w", ErrConfiguration, key, err)
		}
	}
	setDefaults(v)

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToServerListHook(),
		stringToTopicMappingHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if len(c.SourceBootstrapServers) == 0 {
		errs = append(errs, errors.New("SOURCE_BOOTSTRAP_SERVERS is required"))
	}
	if len(c.TargetBootstrapServers) == 0 {
		errs = append(errs, errors.New("TARGET_BOOTSTRAP_SERVERS is required"))
	}
	if strings.TrimSpace(c.ConsumerGroupID) == "" {
		errs = append(errs, errors.New("CONSUMER_GROUP_ID is required"))
	}
	if len(c.TopicMapping) == 0 {
		errs = append(errs, errors.New("TOPIC_MAPPING must be a non-empty JSON object: no topics configured for replication"))
	}
	for src, dst := range c.TopicMapping {
		if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
			errs = append(errs, fmt.Errorf("TOPIC_MAPPING entry %q -> %q has an empty topic name", src, dst))
		}
	}
	if !slices.Contains([]string{"earliest", "latest"}, strings.ToLower(c.AutoOffsetReset)) {
		errs = append(errs, fmt.Errorf("AUTO_OFFSET_RESET must be earliest or latest, got %q", c.AutoOffsetReset))
	}
	switch replicator.CommitMode(c.CommitMode) {
	case replicator.CommitAuto, replicator.CommitAfterAck:
	default:
		errs = append(errs, fmt.Errorf("COMMIT_MODE must be %s or %s, got %q", replicator.CommitAuto, replicator.CommitAfterAck, c.CommitMode))
	}
	if c.Dedup.Capacity <= 0 || c.Dedup.EvictBatch <= 0 {
		errs = append(errs, errors.New("DEDUP_CAPACITY and DEDUP_EVICT_BATCH must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// SourceTopics returns the subscribed source topics in sorted order.
func (c *Config) SourceTopics() []string {
	topics := replicator.TopicMapping(c.TopicMapping).SourceTopics()
	slices.Sort(topics)
	return topics
}

// Source returns the connection settings of the source cluster.
func (c *Config) Source(clientID string) *kafka.Config {
	sasl := c.SourceSASL
	return &kafka.Config{
		Brokers:  c.SourceBootstrapServers,
		Version:  c.KafkaVersion,
		ClientID: clientID,
		SASL:     &sasl,
		TLS:      c.SourceTLS,
	}
}

// Target returns the connection settings of the target cluster.
func (c *Config) Target(clientID string) *kafka.Config {
	sasl := c.TargetSASL
	return &kafka.Config{
		Brokers:  c.TargetBootstrapServers,
		Version:  c.KafkaVersion,
		ClientID: clientID,
		SASL:     &sasl,
		TLS:      c.TargetTLS,
	}
}

// Redacted returns the settings as loggable key/value pairs with secrets masked.
func (c *Config) Redacted() map[string]any {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	return map[string]any{
		"SOURCE_BOOTSTRAP_SERVERS": strings.Join(c.SourceBootstrapServers, ","),
		"TARGET_BOOTSTRAP_SERVERS": strings.Join(c.TargetBootstrapServers, ","),
		"TOPIC_MAPPING":            c.TopicMapping,
		"CONSUMER_GROUP_ID":        c.ConsumerGroupID,
		"AUTO_OFFSET_RESET":        c.AutoOffsetReset,
		"KAFKA_VERSION":            c.KafkaVersion,
		"COMMIT_MODE":              c.CommitMode,
		"SOURCE_SASL_USERNAME":     c.SourceSASL.Username,
		"SOURCE_SASL_PASSWORD":     mask(c.SourceSASL.Password),
		"TARGET_SASL_USERNAME":     c.TargetSASL.Username,
		"TARGET_SASL_PASSWORD":     mask(c.TargetSASL.Password),
		"HEARTBEAT_INTERVAL":       c.HeartbeatInterval.String(),
		"DEDUP_CAPACITY":           c.Dedup.Capacity,
		"DEDUP_EVICT_BATCH":        c.Dedup.EvictBatch,
		"ENSURE_TARGET_TOPICS":     c.EnsureTargetTopics,
		"METRICS_ENABLED":          c.Metrics.Enabled,
		"METRICS_ADDR":             c.Metrics.Addr,
		"LOG_LEVEL":                c.LogLevel,
	}
}

// stringToServerListHook splits "a:9092, b:9092" into trimmed, non-empty entries.
func stringToServerListHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		var servers []string
		for _, s := range strings.Split(data.(string), ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		return servers, nil
	}
}

// stringToTopicMappingHook decodes a JSON object string into map[string]string.
func stringToTopicMappingHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(map[string]string{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return map[string]string{}, nil
		}
		var mapping map[string]string
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			return nil, fmt.Errorf("invalid TOPIC_MAPPING: topic mapping must be a JSON object of strings: %w", err)
		}
		return mapping, nil
	}
}
