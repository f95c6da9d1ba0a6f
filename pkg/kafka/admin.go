package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Client handles cluster-admin operations against one cluster.
type Client struct {
	config *Config
	logger *zap.Logger
	// newAdmin is replaced in tests
	newAdmin func() (sarama.ClusterAdmin, error)
}

// NewClient creates a new admin Client
func NewClient(config *Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config: config,
		logger: logger,
	}
	c.newAdmin = c.newClusterAdmin
	return c
}

// newClusterAdmin creates a new sarama.ClusterAdmin
func (c *Client) newClusterAdmin() (sarama.ClusterAdmin, error) {
	saramaConfig, err := c.config.ToSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}

	admin, err := sarama.NewClusterAdmin(c.config.GetBrokers(), saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster admin: %w", err)
	}

	return admin, nil
}

// ListTopics lists all topics
func (c *Client) ListTopics() (map[string]sarama.TopicDetail, error) {
	admin, err := c.newAdmin()
	if err != nil {
		return nil, err
	}
	defer admin.Close()

	topics, err := admin.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	return topics, nil
}

// CreateTopic creates a new topic
func (c *Client) CreateTopic(topicName string, detail *sarama.TopicDetail) error {
	admin, err := c.newAdmin()
	if err != nil {
		return err
	}
	defer admin.Close()

	err = admin.CreateTopic(topicName, detail, false)
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}

	c.logger.Info("Topic created",
		zap.String("topic", topicName),
		zap.Int32("partitions", detail.NumPartitions),
		zap.Int16("replicationFactor", detail.ReplicationFactor))
	return nil
}
