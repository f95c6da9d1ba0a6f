package kafka

import (
	"errors"
	"fmt"
	"slices"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// TopicCheck configures EnsureTargetTopics.
type TopicCheck struct {
	// Mapping is source topic -> target topic.
	Mapping map[string]string
	// Create creates target topics that are missing.
	Create bool
	// ReplicationFactor of created topics; 0 copies the source topic's.
	ReplicationFactor int16
}

// TopicReport lists the topics EnsureTargetTopics found missing or created.
type TopicReport struct {
	MissingSource []string
	MissingTarget []string
	Created       []string
}

// EnsureTargetTopics compares the mapped topics against both clusters. Missing
// source topics are only reported. Missing target topics are created with the
// source topic's partition count when check.Create is set.
func EnsureTargetTopics(source, target *Client, check TopicCheck, logger *zap.Logger) (TopicReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var report TopicReport

	sourceTopics, err := source.ListTopics()
	if err != nil {
		return report, fmt.Errorf("source: %w", err)
	}
	targetTopics, err := target.ListTopics()
	if err != nil {
		return report, fmt.Errorf("target: %w", err)
	}

	names := make([]string, 0, len(check.Mapping))
	for name := range check.Mapping {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs []error
	for _, src := range names {
		dst := check.Mapping[src]
		srcDetail, srcOK := sourceTopics[src]
		if !srcOK {
			report.MissingSource = append(report.MissingSource, src)
			logger.Warn("Source topic does not exist", zap.String("topic", src))
		}

		if _, ok := targetTopics[dst]; ok || slices.Contains(report.Created, dst) {
			continue
		}
		if !check.Create {
			report.MissingTarget = append(report.MissingTarget, dst)
			logger.Warn("Target topic does not exist", zap.String("topic", dst), zap.String("source", src))
			continue
		}

		detail := newTopicDetail(srcDetail, srcOK, check.ReplicationFactor)
		if err := target.CreateTopic(dst, detail); err != nil {
			if errors.Is(err, sarama.ErrTopicAlreadyExists) {
				continue
			}
			report.MissingTarget = append(report.MissingTarget, dst)
			errs = append(errs, fmt.Errorf("create %s: %w", dst, err))
			continue
		}
		report.Created = append(report.Created, dst)
	}

	return report, errors.Join(errs...)
}

func newTopicDetail(src sarama.TopicDetail, known bool, replicationFactor int16) *sarama.TopicDetail {
	detail := &sarama.TopicDetail{NumPartitions: 1, ReplicationFactor: 1}
	if known {
		detail.NumPartitions = max(src.NumPartitions, 1)
		detail.ReplicationFactor = max(src.ReplicationFactor, 1)
	}
	if replicationFactor > 0 {
		detail.ReplicationFactor = replicationFactor
	}
	return detail
}
