package notify

import (
	"context"
	"time"

	"PPresence/logger"
	"PPresence/tools/ids"

	"go.uber.org/zap"
)

// PrefChecker answers the recipient's per-kind notification switch
// (externally persisted, cached).
type PrefChecker interface {
	Enabled(ctx context.Context, userID string, kind Kind) bool
}

// Broker is the queue abstraction the pipeline publishes through.
type Broker interface {
	Ready() bool
	Publish(topic, key string, value []byte) error
}

// Producer turns domain events into enqueued notifications.
type Producer struct {
	prefs  PrefChecker
	broker Broker
	// direct is the synchronous fallback used when the broker path is down:
	// one bounded attempt through the registry, no retries at call time.
	direct func(ctx context.Context, msg *Message) error
	clock  func() time.Time
}

func NewProducer(prefs PrefChecker, broker Broker, direct func(ctx context.Context, msg *Message) error) *Producer {
	return &Producer{prefs: prefs, broker: broker, direct: direct, clock: time.Now}
}

// Notify fills defaults, checks preferences and hands the message to its
// lane. A disabled preference drops the message silently; that is not an
// error. Broker unavailability degrades to synchronous direct delivery
// rather than losing the notification.
func (p *Producer) Notify(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = ids.GenerateString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = p.clock().UnixMilli()
	}
	if msg.Priority == PriorityUnset {
		msg.Priority = msg.Kind.DefaultPriority()
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = 3
	}

	if p.prefs != nil && !p.prefs.Enabled(ctx, msg.Recipient, msg.Kind) {
		logger.Debug("[notify] preference disabled, dropped",
			zap.String("kind", msg.Kind.String()), zap.String("recipient", msg.Recipient))
		return nil
	}

	lane := LaneFor(msg.Priority)
	if p.broker != nil && p.broker.Ready() {
		if err := p.broker.Publish(lane, msg.Recipient, msg.Encode()); err == nil {
			return nil
		} else {
			logger.Errorf("[notify] publish failed lane=%s recipient=%s err=%v, falling back to direct",
				lane, msg.Recipient, err)
		}
	}
	if p.direct == nil {
		logger.Errorf("[notify] broker down and no direct path, dropping id=%s recipient=%s kind=%s",
			msg.ID, msg.Recipient, msg.Kind)
		return nil
	}
	return p.direct(ctx, msg)
}
