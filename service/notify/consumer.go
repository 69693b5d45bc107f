package notify

import (
	"context"
	"time"

	"PPresence/global"
	"PPresence/logger"
	"PPresence/service/breaker"
	kafkasrv "PPresence/service/kafka"
	"PPresence/service/presence"

	"github.com/pkg/errors"
)

// HistoryStore is the durable record of notifications (external store).
type HistoryStore interface {
	Save(ctx context.Context, msg *Message) error
	MarkDelivered(ctx context.Context, id string) error
}

// DeadLetters records exhausted messages for manual inspection.
type DeadLetters interface {
	Record(ctx context.Context, msg *Message, cause string) error
}

// Registry is the read-only slice of the presence registry the pipeline uses.
type Registry interface {
	RouteMessage(userID string) (presence.Sink, bool)
}

const breakerHistory = "notification-store"

type ConsumerConfig struct {
	// Consumer-group member counts per lane; the high lane runs hotter.
	NormalConcurrency int
	HighConcurrency   int
	// Requeue cadence: the normal lane goes straight back to the tail, the
	// high lane is rescheduled after this shorter delay.
	HighRetryDelay time.Duration
	Clock          func() time.Time
}

func (c *ConsumerConfig) norm() {
	if c.NormalConcurrency <= 0 {
		c.NormalConcurrency = 2
	}
	if c.HighConcurrency <= 0 {
		c.HighConcurrency = 4
	}
	if c.HighRetryDelay <= 0 {
		c.HighRetryDelay = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Consumer pulls from the lanes, persists history and delivers through the
// presence registry, with requeue / dead-letter bookkeeping.
type Consumer struct {
	reg     Registry
	history HistoryStore
	dead    DeadLetters
	broker  Broker
	pending *RetryStore
	brk     *breaker.Breaker
	conf    ConsumerConfig
}

func NewConsumer(reg Registry, history HistoryStore, dead DeadLetters, broker Broker,
	pending *RetryStore, brk *breaker.Breaker, conf ConsumerConfig) *Consumer {
	conf.norm()
	return &Consumer{
		reg:     reg,
		history: history,
		dead:    dead,
		broker:  broker,
		pending: pending,
		brk:     brk,
		conf:    conf,
	}
}

// RegisterLanes binds the lane topics to this consumer and joins the groups.
func (c *Consumer) RegisterLanes(ctx context.Context) error {
	kafkasrv.RegisterHandler(TopicNormal, c.HandleLane)
	kafkasrv.RegisterHandler(TopicHigh, c.HandleLane)
	kafkasrv.RegisterHandler(TopicDead, c.HandleDeadLetter)

	if err := kafkasrv.StartConsumerGroup(ctx, "notify-normal", []string{TopicNormal}, c.conf.NormalConcurrency); err != nil {
		return err
	}
	if err := kafkasrv.StartConsumerGroup(ctx, "notify-high", []string{TopicHigh}, c.conf.HighConcurrency); err != nil {
		return err
	}
	return kafkasrv.StartConsumerGroup(ctx, "notify-dead", []string{TopicDead}, 1)
}

// HandleLane consumes one record off a delivery lane.
func (c *Consumer) HandleLane(topic string, _, value []byte) error {
	msg, err := Decode(value)
	if err != nil {
		logger.Errorf("[notify] undecodable record topic=%s err=%v, dropped", topic, err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Process(ctx, msg)
}

// Process persists and delivers one message. Persistence and delivery are
// attempted independently; a failure in either reaches the retry path, and
// neither swallows the other.
func (c *Consumer) Process(ctx context.Context, msg *Message) error {
	now := c.conf.Clock()
	if msg.Expired(now) {
		logger.Infof("[notify] expired id=%s kind=%s recipient=%s, dropped",
			msg.ID, msg.Kind, msg.Recipient)
		return nil
	}

	var saveErr error
	if c.history != nil && msg.Persistent {
		_, degraded := breaker.Execute(ctx, c.brk, breakerHistory,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, c.history.Save(ctx, msg)
			},
			func(context.Context) struct{} { return struct{}{} })
		if degraded {
			saveErr = errors.New("history store degraded")
		}
	}

	deliverErr := c.deliver(msg)

	if saveErr == nil && deliverErr == nil {
		if c.history != nil && msg.Persistent {
			if err := c.history.MarkDelivered(ctx, msg.ID); err != nil {
				logger.Errorf("[notify] mark delivered failed id=%s err=%v", msg.ID, err)
			}
		}
		return nil
	}

	cause := deliverErr
	if cause == nil {
		cause = saveErr
	}
	c.nack(ctx, msg, cause)
	return nil
}

// DeliverDirect is the producer's synchronous fallback: one attempt, no
// retry scheduling at call time; a miss is recorded for the sweep.
func (c *Consumer) DeliverDirect(ctx context.Context, msg *Message) error {
	if err := c.deliver(msg); err != nil {
		c.nack(ctx, msg, err)
	}
	return nil
}

func (c *Consumer) deliver(msg *Message) error {
	sink, ok := c.reg.RouteMessage(msg.Recipient)
	if !ok {
		return errors.Errorf("recipient %s unreachable", msg.Recipient)
	}
	ev := &global.OutboundEvent{
		Event: msg.Kind.String(),
		TS:    msg.Timestamp,
		Data: map[string]any{
			"id":      msg.ID,
			"source":  msg.Source,
			"content": msg.Content,
		},
	}
	for k, v := range msg.Data {
		ev.Data[k] = v
	}
	return sink.Send(ev.Encode())
}

// nack applies the retry protocol: bump the count, requeue while budget
// remains, dead-letter once exhausted. Every failed attempt is logged with
// its error and attempt number.
func (c *Consumer) nack(ctx context.Context, msg *Message, cause error) {
	msg.RetryCount++
	logger.Errorf("[notify] delivery failed id=%s kind=%s source=%s recipient=%s attempt=%d/%d err=%v",
		msg.ID, msg.Kind, msg.Source, msg.Recipient, msg.RetryCount, msg.MaxRetries, cause)

	if msg.RetryCount >= msg.MaxRetries {
		c.deadLetter(msg, cause)
		return
	}

	lane := LaneFor(msg.Priority)
	if c.broker != nil && c.broker.Ready() {
		if lane == TopicHigh {
			// shorter delay, rescheduled rather than blocking a worker
			body := msg.Encode()
			recipient := msg.Recipient
			time.AfterFunc(c.conf.HighRetryDelay, func() {
				if err := c.broker.Publish(TopicHigh, recipient, body); err != nil {
					logger.Errorf("[notify] high-lane requeue failed id=%s err=%v", msg.ID, err)
				}
			})
			return
		}
		if err := c.broker.Publish(TopicNormal, msg.Recipient, msg.Encode()); err == nil {
			return
		} else {
			logger.Errorf("[notify] requeue publish failed id=%s err=%v", msg.ID, err)
		}
	}

	// broker path degraded: record locally for the scheduled sweep
	if c.pending != nil {
		if err := c.pending.Add(ctx, msg); err != nil {
			logger.Errorf("[notify] pending record failed id=%s err=%v", msg.ID, err)
		}
	}
}

func (c *Consumer) deadLetter(msg *Message, cause error) {
	if c.broker != nil && c.broker.Ready() {
		if err := c.broker.Publish(TopicDead, msg.Recipient, msg.Encode()); err == nil {
			return
		} else {
			logger.Errorf("[notify] dead-letter publish failed id=%s err=%v", msg.ID, err)
		}
	}
	// no broker: record straight to the dead-letter store
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c.recordDead(ctx, msg, cause.Error())
}

// HandleDeadLetter consumes the dead-letter lane: messages are recorded for
// manual inspection, never redelivered. A failing handler still acks;
// a poison message must not wedge the lane.
func (c *Consumer) HandleDeadLetter(_ string, _, value []byte) error {
	msg, err := Decode(value)
	if err != nil {
		logger.Errorf("[notify] undecodable dead-letter err=%v, dropped", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c.recordDead(ctx, msg, "retries exhausted")
	return nil
}

func (c *Consumer) recordDead(ctx context.Context, msg *Message, cause string) {
	logger.Warnf("[notify] dead-lettered id=%s kind=%s source=%s recipient=%s attempts=%d cause=%s",
		msg.ID, msg.Kind, msg.Source, msg.Recipient, msg.RetryCount, cause)
	if c.dead == nil {
		return
	}
	if err := c.dead.Record(ctx, msg, cause); err != nil {
		// acknowledged anyway; the log line above is the record of last resort
		logger.Errorf("[notify] dead-letter record failed id=%s err=%v", msg.ID, err)
	}
}
