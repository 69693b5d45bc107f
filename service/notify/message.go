package notify

import (
	"encoding/json"
	"time"
)

// Kind is the closed set of notification variants.
type Kind int

const (
	KindAttentionOnline Kind = iota + 1
	KindAttentionOffline
	KindAttentionStatusChange
	KindAttentionMessage
	KindAttentionUpdated
)

func (k Kind) String() string {
	switch k {
	case KindAttentionOnline:
		return "attentionUserOnline"
	case KindAttentionOffline:
		return "attentionUserOffline"
	case KindAttentionStatusChange:
		return "attentionUserStatusChange"
	case KindAttentionMessage:
		return "attentionMessage"
	case KindAttentionUpdated:
		return "attentionUpdated"
	default:
		return "unknown"
	}
}

// KindFromString maps an event name back to its Kind; false for unknown
// names.
func KindFromString(s string) (Kind, bool) {
	for k := KindAttentionOnline; k <= KindAttentionUpdated; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

type Priority int

// PriorityUnset is the zero value; the producer resolves it to the kind's
// default. An explicit PriorityLow is honored, never promoted.
const (
	PriorityUnset Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// DefaultPriority : message arrival is high, presence traffic is normal.
func (k Kind) DefaultPriority() Priority {
	if k == KindAttentionMessage {
		return PriorityHigh
	}
	return PriorityNormal
}

// Broker lanes.
const (
	TopicNormal = "notify.normal"
	TopicHigh   = "notify.high"
	TopicDead   = "notify.dead-letter"
)

// LaneFor routes urgent/high to the high-priority lane.
func LaneFor(p Priority) string {
	if p >= PriorityHigh {
		return TopicHigh
	}
	return TopicNormal
}

// Message is one notification in flight. Only the pipeline mutates
// RetryCount/NextRetryTime.
type Message struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Recipient     string            `json:"recipient"`
	Source        string            `json:"source"`
	Content       string            `json:"content"`
	Priority      Priority          `json:"priority"`
	Data          map[string]string `json:"data,omitempty"`
	Timestamp     int64             `json:"ts"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	NextRetryTime int64             `json:"next_retry_time,omitempty"`
	Persistent    bool              `json:"persistent"`
	TTLSeconds    int               `json:"ttl_seconds,omitempty"`
}

// Expired reports TTL expiry; expired messages are destroyed, not retried.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.UnixMilli() > m.Timestamp+int64(m.TTLSeconds)*1000
}

func (m *Message) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
