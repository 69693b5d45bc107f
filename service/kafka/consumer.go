package kafka

import (
	"context"

	"PPresence/logger"
	"PPresence/tools/safe"

	"github.com/Shopify/sarama"
)

type ConsumerGroupHandler struct{}

func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Info("consumer group setup")
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("consumer group cleanup")
	return nil
}

func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		handler, err := GetHandler(msg.Topic)
		if err != nil {
			logger.Errorf("no handler for topic %s: %v", msg.Topic, err)
		} else if err := handler(msg.Topic, msg.Key, msg.Value); err != nil {
			logger.Errorf("handler error topic=%s: %v", msg.Topic, err)
		}
		// always mark: requeue/dead-letter is done by republish in the handler
		session.MarkMessage(msg, "")
	}
	return nil
}

// StartConsumerGroup joins groupID on topics with the given number of group
// members. The high-priority lane runs with more members than the normal
// lane (bounded by partition count).
func StartConsumerGroup(ctx context.Context, groupID string, topics []string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	base := BuildBaseConfig()

	for i := 0; i < concurrency; i++ {
		group, err := sarama.NewConsumerGroup(Cfg.Brokers, groupID, base)
		if err != nil {
			return err
		}
		safe.SafeGoNamed("kafka/errors/"+groupID, func() {
			for err := range group.Errors() {
				logger.Errorf("consumer group %s error: %v", groupID, err)
			}
		})
		safe.SafeGoNamed("kafka/consume/"+groupID, func() {
			defer func() { _ = group.Close() }()
			handler := &ConsumerGroupHandler{}
			for {
				if ctx.Err() != nil {
					return
				}
				if err := group.Consume(ctx, topics, handler); err != nil {
					logger.Errorf("consume error group=%s: %v", groupID, err)
				}
			}
		})
	}
	return nil
}
