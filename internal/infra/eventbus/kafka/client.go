package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// ClientConfig contains all configuration needed for Kafka client setup
type ClientConfig struct {
	Brokers  []string
	ClientID string
}

// newSaramaConfig builds the settings shared by producers and consumers.
// Offsets are committed manually, once the pipeline has settled a message.
func newSaramaConfig(clientID string, initialOffset int64) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = initialOffset
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(clientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0

	return config
}

// NewClient creates and configures a Kafka client with the provided settings.
// Stage consumers start from the oldest unconsumed message.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, newSaramaConfig(cfg.ClientID, sarama.OffsetOldest))
}
