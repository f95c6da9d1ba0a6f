package kafka

import (
	"cmp"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const defaultVersion = "2.1.1"

// Config represents the connection settings of one cluster.
type Config struct {
	Brokers  []string `json:"brokers" mapstructure:"brokers"`
	Version  string   `json:"version,omitempty" mapstructure:"version"`
	ClientID string   `json:"clientID,omitempty" mapstructure:"client_id"`
	SASL     *SASL    `json:"sasl,omitempty" mapstructure:"sasl"`
	TLS      TLS      `json:"tls,omitempty" mapstructure:"tls"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"` // sha256, sha512 or plain
	Enable    bool   `mapstructure:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	Enable     bool   `mapstructure:"enable"`
	SkipVerify bool   `mapstructure:"skip_verify"`
}

// ConsumerOptions are the consumer-group settings of the source side.
type ConsumerOptions struct {
	GroupID string
	Topics  []string
	// InitialOffset is "earliest" or "latest"; used when the group has no
	// committed offset for a partition.
	InitialOffset string
	// MarkOnPoll marks records as consumed as soon as they are polled. When
	// false the caller marks them with Commit.
	MarkOnPoll     bool
	MaxPollRecords int
}

// ToSaramaConfig converts the Config to a sarama.Config shared by consumers,
// producers and admin clients.
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(cmp.Or(c.Version, defaultVersion))
	if err != nil {
		return nil, fmt.Errorf("error parsing Kafka version: %w", err)
	}
	conf.Version = version
	conf.ClientID = cmp.Or(c.ClientID, "krep")
	conf.Metadata.Full = false

	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch strings.ToLower(c.SASL.Algorithm) {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "", "plain":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		tlsConfig, err := createTLSConfiguration(c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConfig
	}

	return conf, nil
}

// ConsumerSaramaConfig returns the source-side configuration: group
// membership with auto-commit of marked offsets every second and small,
// low-latency fetches.
func (c *Config) ConsumerSaramaConfig(opts ConsumerOptions) (*sarama.Config, error) {
	conf, err := c.ToSaramaConfig()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cmp.Or(opts.InitialOffset, "earliest")) {
	case "earliest":
		conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "latest":
		conf.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("invalid initial offset: %s", opts.InitialOffset)
	}

	conf.Consumer.Offsets.AutoCommit.Enable = true
	conf.Consumer.Offsets.AutoCommit.Interval = time.Second
	conf.Consumer.Fetch.Min = 1
	conf.Consumer.MaxWaitTime = 500 * time.Millisecond
	conf.Consumer.Return.Errors = true
	conf.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}

	return conf, nil
}

// ProducerSaramaConfig returns the target-side configuration: acknowledgement
// from all in-sync replicas, five retries one second apart, up to five
// in-flight requests per connection, gzip compression and no idempotence.
func (c *Config) ProducerSaramaConfig() (*sarama.Config, error) {
	conf, err := c.ToSaramaConfig()
	if err != nil {
		return nil, err
	}

	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Retry.Max = 5
	conf.Producer.Retry.Backoff = time.Second
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true
	conf.Producer.Timeout = 30 * time.Second
	conf.Producer.Compression = sarama.CompressionGZIP
	conf.Producer.Idempotent = false
	conf.Producer.Flush.Frequency = 0
	conf.Producer.Flush.Messages = 0
	conf.Net.MaxOpenRequests = 5

	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", tlsCfg.CAFile)
		}
		t.RootCAs = caCertPool
	}

	return t, nil
}

// GetBrokers returns the list of Kafka brokers
func (c *Config) GetBrokers() []string {
	return c.Brokers
}

var invalidClientIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ClientID returns "krep-<direction>-<random>" restricted to the characters
// Kafka accepts in a client id.
func ClientID(direction string) string {
	dir := strings.Trim(invalidClientIDChars.ReplaceAllString(strings.ToLower(direction), "-"), "-")
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	if dir == "" {
		return "krep-" + suffix
	}
	return fmt.Sprintf("krep-%s-%s", dir, suffix)
}
