package kafka

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

var (
	KafkaClient sarama.Client
	Producer    sarama.SyncProducer
)

// Init builds the shared client and sync producer.
func Init(cfg Config) error {
	if len(cfg.Brokers) > 0 {
		Cfg = cfg
	}
	base := BuildBaseConfig()
	c, err := sarama.NewClient(Cfg.Brokers, base)
	if err != nil {
		return errors.Wrap(err, "kafka client")
	}
	KafkaClient = c

	p, err := sarama.NewSyncProducerFromClient(KafkaClient)
	if err != nil {
		return errors.Wrap(err, "kafka sync producer")
	}
	Producer = p
	return nil
}

// Ready reports whether the broker path is usable; the notify producer falls
// back to direct delivery when it is not.
func Ready() bool {
	return Producer != nil
}

// SendSync publishes one message; key controls the partition (hash
// partitioner), so per-recipient messages stay on one partition.
func SendSync(topic, key string, value []byte) error {
	if Producer == nil {
		return errors.New("kafka producer not initialized")
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	_, _, err := Producer.SendMessage(msg)
	return err
}

func Close() {
	if Producer != nil {
		_ = Producer.Close()
	}
	if KafkaClient != nil {
		_ = KafkaClient.Close()
	}
}
