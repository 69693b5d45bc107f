package global

import "encoding/json"

// Outbound event names pushed to connected clients.
const (
	EvUserOnline            = "userOnline"
	EvUserOffline           = "userOffline"
	EvOnlineUsers           = "onlineUsers"
	EvAttentionUserOnline   = "attentionUserOnline"
	EvAttentionUserOffline  = "attentionUserOffline"
	EvAttentionStatusChange = "attentionUserStatusChange"
	EvAttentionMessage      = "attentionMessage"
	EvAttentionUpdated      = "attentionUpdated"
	EvCallEnded             = "callEnded"
	EvPong                  = "pong"
	EvMessage               = "message"
)

// sendMsg acknowledgement values.
const (
	AckOK        = ""
	AckError     = "error"
	AckNotFriend = "notFriend"
	AckOffline   = "offline"
)

// OutboundEvent is the frame pushed to clients for server-initiated events.
type OutboundEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	TS    int64          `json:"ts"`
}

func (e *OutboundEvent) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}
