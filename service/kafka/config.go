package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

type Config struct {
	Brokers               []string
	KafkaVersion          sarama.KafkaVersion
	ProducerRetries       int
	ProducerCompression   string // none|snappy|lz4|zstd
	ConsumerInitialOffset string // newest|oldest
}

var Cfg = Config{
	Brokers:      []string{"localhost:9092"},
	KafkaVersion: sarama.V2_1_0_0,
}

func BuildBaseConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = Cfg.KafkaVersion

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if Cfg.ProducerRetries <= 0 {
		Cfg.ProducerRetries = 1
	}
	cfg.Producer.Retry.Max = Cfg.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key controls the partition
	switch strings.ToLower(Cfg.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer
	switch strings.ToLower(Cfg.ConsumerInitialOffset) {
	case "oldest":
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}
