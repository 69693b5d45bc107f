package gateway

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Inbound frame types.
const (
	TypeConnect    = "connect"
	TypePing       = "ping"
	TypeOnline     = "online"
	TypeOffline    = "offline"
	TypeStatus     = "status"
	TypeSendMsg    = "sendMsg"
	TypeCallStart  = "callStart"
	TypeCallAccept = "callAccept"
	TypeCallLeave  = "callLeave"
)

// Frame is the inbound client frame. Payload shape depends on Type and is
// decoded per handler via tools/decode.
type Frame struct {
	Type    string         `json:"type"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	ConnID  string         `json:"conn_id,omitempty"`
	AckID   string         `json:"ack_id,omitempty"`
	TS      int64          `json:"ts,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func ParseFrameJSON(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "unmarshal frame")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return &f, nil
}

// ===== typed payloads =====

type ConnectPayload struct {
	Token string `json:"token"`
}

type StatusPayload struct {
	Status string `json:"status"`
}

type SendMsgPayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type CallStartPayload struct {
	To         string   `json:"to,omitempty"`       // 1:1
	GroupID    string   `json:"group_id,omitempty"` // group
	Members    []string `json:"members,omitempty"`
	CallType   string   `json:"call_type"` // audio|video
	MinParties int      `json:"min_parties,omitempty"`
}

type CallRefPayload struct {
	CallID string `json:"call_id"`
}

// ===== server replies =====

type ackFrame struct {
	Type   string `json:"type"`
	AckID  string `json:"ack_id,omitempty"`
	Result string `json:"result"` // "" success, or error|notFriend|offline
	TS     int64  `json:"ts"`
	Data   any    `json:"data,omitempty"`
}

func buildAck(ackID, result string, data any) []byte {
	b, _ := json.Marshal(&ackFrame{
		Type:   "ack",
		AckID:  ackID,
		Result: result,
		TS:     time.Now().UnixMilli(),
		Data:   data,
	})
	return b
}
