package notify

import (
	kafkasrv "PPresence/service/kafka"
)

// KafkaLanes adapts the shared Kafka producer to the pipeline's Broker
// abstraction.
type KafkaLanes struct{}

func (KafkaLanes) Ready() bool { return kafkasrv.Ready() }

func (KafkaLanes) Publish(topic, key string, value []byte) error {
	return kafkasrv.SendSync(topic, key, value)
}
