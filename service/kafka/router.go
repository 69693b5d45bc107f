package kafka

import (
	"sync"

	"github.com/pkg/errors"
)

// MessageHandler processes one record. A nil return acknowledges the record;
// a non-nil return still marks the offset (Kafka cannot redeliver a single
// record); the caller owns requeue/dead-letter by republishing.
type MessageHandler func(topic string, key, value []byte) error

var (
	handlerMu sync.RWMutex
	handlers  = make(map[string]MessageHandler)
)

func RegisterHandler(topic string, h MessageHandler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handlers[topic] = h
}

func GetHandler(topic string) (MessageHandler, error) {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	h, ok := handlers[topic]
	if !ok {
		return nil, errors.Errorf("no handler for topic %s", topic)
	}
	return h, nil
}
