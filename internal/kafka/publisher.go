package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	wm_kafka "github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

type Config struct {
	ClusterConfig   *sarama.Config
	BrokerAddresses []string
}

// NewPublisher creates a synchronous watermill publisher for the configured brokers.
func NewPublisher(cfg *Config) (*wm_kafka.Publisher, error) {
	saramaPublisherConfig := wm_kafka.DefaultSaramaSyncPublisherConfig()
	if cfg.ClusterConfig != nil {
		saramaPublisherConfig.Version = cfg.ClusterConfig.Version
		saramaPublisherConfig.ClientID = cfg.ClusterConfig.ClientID
	}

	publisher, err := wm_kafka.NewPublisher(
		wm_kafka.PublisherConfig{
			Brokers:               cfg.BrokerAddresses,
			Marshaler:             wm_kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
		},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	return publisher, nil
}
