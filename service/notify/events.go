package notify

import (
	"context"
	"time"

	"PPresence/logger"
	"PPresence/service/eventbus"
)

// AttentionSource answers the special-attention relation; the pipeline only
// reads it.
type AttentionSource interface {
	// WatchersOf lists users who specially attend userID.
	WatchersOf(ctx context.Context, userID string) ([]string, error)
	// Watches reports whether watcher specially attends target.
	Watches(ctx context.Context, watcher, target string) (bool, error)
}

// EventAdapter converts bus events into notifications for every watcher of
// the acting user.
type EventAdapter struct {
	producer  *Producer
	attn      AttentionSource
	templates *Templates
}

func NewEventAdapter(producer *Producer, attn AttentionSource, templates *Templates) *EventAdapter {
	return &EventAdapter{producer: producer, attn: attn, templates: templates}
}

// Bind subscribes the adapter to the presence event stream.
func (a *EventAdapter) Bind(bus *eventbus.Bus) {
	bus.Subscribe("notify", a.handle,
		eventbus.KindUserOnline,
		eventbus.KindUserOffline,
		eventbus.KindStatusChanged,
		eventbus.KindAttentionUpdated,
	)
}

func (a *EventAdapter) handle(ev eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch e := ev.(type) {
	case eventbus.UserOnline:
		a.fanToWatchers(ctx, e.UserID, KindAttentionOnline, map[string]string{"name": e.UserID})
	case eventbus.UserOffline:
		a.fanToWatchers(ctx, e.UserID, KindAttentionOffline, map[string]string{"name": e.UserID})
	case eventbus.StatusChanged:
		a.fanToWatchers(ctx, e.UserID, KindAttentionStatusChange,
			map[string]string{"name": e.UserID, "status": e.Status})
	case eventbus.AttentionUpdated:
		// tell the watched user their audience changed
		msg := &Message{
			Kind:      KindAttentionUpdated,
			Recipient: e.TargetID,
			Source:    e.UserID,
			Content:   a.templates.Render(KindAttentionUpdated, map[string]string{"name": e.UserID}),
			Data:      map[string]string{"userId": e.UserID},
		}
		if err := a.producer.Notify(ctx, msg); err != nil {
			logger.Errorf("[notify] attentionUpdated notify failed target=%s err=%v", e.TargetID, err)
		}
	}
}

func (a *EventAdapter) fanToWatchers(ctx context.Context, userID string, kind Kind, vars map[string]string) {
	watchers, err := a.attn.WatchersOf(ctx, userID)
	if err != nil {
		logger.Errorf("[notify] watcher lookup failed user=%s kind=%s err=%v", userID, kind, err)
		return
	}
	content := a.templates.Render(kind, vars)
	for _, w := range watchers {
		msg := &Message{
			Kind:       kind,
			Recipient:  w,
			Source:     userID,
			Content:    content,
			Persistent: true,
			Data:       map[string]string{"userId": userID},
		}
		if v, ok := vars["status"]; ok {
			msg.Data["status"] = v
		}
		if err := a.producer.Notify(ctx, msg); err != nil {
			logger.Errorf("[notify] fan-out failed kind=%s source=%s recipient=%s err=%v",
				kind, userID, w, err)
		}
	}
}

// NotifyMessage runs on the message path: when the recipient specially
// attends the sender, they get an attentionMessage with a truncated preview.
func (a *EventAdapter) NotifyMessage(ctx context.Context, from, to, content string) {
	watches, err := a.attn.Watches(ctx, to, from)
	if err != nil {
		logger.Errorf("[notify] watches lookup failed watcher=%s target=%s err=%v", to, from, err)
		return
	}
	if !watches {
		return
	}
	preview := TruncatePreview(content)
	msg := &Message{
		Kind:       KindAttentionMessage,
		Recipient:  to,
		Source:     from,
		Content:    a.templates.Render(KindAttentionMessage, map[string]string{"name": from, "preview": preview}),
		Priority:   PriorityHigh,
		Persistent: true,
		Data:       map[string]string{"userId": from, "preview": preview},
	}
	if err := a.producer.Notify(ctx, msg); err != nil {
		logger.Errorf("[notify] message notify failed from=%s to=%s err=%v", from, to, err)
	}
}
