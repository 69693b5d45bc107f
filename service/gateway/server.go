package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"PPresence/global"
	"PPresence/logger"
	"PPresence/service/call"
	"PPresence/service/eventbus"
	"PPresence/service/fanout"
	"PPresence/service/notify"
	"PPresence/service/presence"
	"PPresence/service/ratelimit"
	"PPresence/tools/decode"
	"PPresence/tools/ids"
	"PPresence/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FriendChecker answers the friend relation (external CRUD boundary).
type FriendChecker interface {
	IsFriend(ctx context.Context, a, b string) (bool, error)
}

type Config struct {
	JWT security.Options
}

// Server is the websocket transport boundary: it authenticates connections,
// feeds the presence registry, and answers sendMsg with the ack contract.
type Server struct {
	reg     *presence.Manager
	calls   *call.Manager
	adapter *notify.EventAdapter
	limiter *ratelimit.Limiter
	friends FriendChecker
	conf    Config

	handlers map[string]func(*Frame, *session) // per-frame dispatch
}

// session is the per-connection read-loop state.
type session struct {
	connID string
	userID string
	remote net.Addr
	sink   *wsSink
}

func NewServer(reg *presence.Manager, calls *call.Manager, adapter *notify.EventAdapter,
	limiter *ratelimit.Limiter, friends FriendChecker, conf Config) *Server {
	s := &Server{
		reg:     reg,
		calls:   calls,
		adapter: adapter,
		limiter: limiter,
		friends: friends,
		conf:    conf,
	}
	s.handlers = map[string]func(*Frame, *session){
		TypePing:       s.handlePing,
		TypeOnline:     s.handleOnline,
		TypeOffline:    s.handleOffline,
		TypeStatus:     s.handleStatus,
		TypeSendMsg:    s.handleSendMsg,
		TypeCallStart:  s.handleCallStart,
		TypeCallAccept: s.handleCallAccept,
		TypeCallLeave:  s.handleCallLeave,
	}
	return s
}

// Register mounts the ws upgrade route.
func (s *Server) Register(r gin.IRoutes) {
	r.GET("/ws", s.HandleWS)
}

// BindBus pushes local presence broadcasts (userOnline/userOffline) to every
// connected client on this node.
func (s *Server) BindBus(bus *eventbus.Bus) {
	bus.Subscribe("gateway", func(ev eventbus.Event) {
		switch e := ev.(type) {
		case eventbus.UserOnline:
			s.BroadcastLocal(&global.OutboundEvent{
				Event: global.EvUserOnline,
				Data:  map[string]any{"userId": e.UserID},
				TS:    e.TS,
			})
		case eventbus.UserOffline:
			s.BroadcastLocal(&global.OutboundEvent{
				Event: global.EvUserOffline,
				Data:  map[string]any{"userId": e.UserID},
				TS:    e.TS,
			})
		}
	}, eventbus.KindUserOnline, eventbus.KindUserOffline)
}

// OnRemote replays a presence envelope from another gateway node into the
// local broadcast; wire it to fanout.Subscribe.
func (s *Server) OnRemote(env fanout.Envelope) {
	event := global.EvUserOnline
	switch env.Kind {
	case "userOffline":
		event = global.EvUserOffline
	case "statusChanged":
		event = global.EvAttentionStatusChange
	}
	s.BroadcastLocal(&global.OutboundEvent{
		Event: event,
		Data:  map[string]any{"userId": env.UserID, "status": env.Status},
		TS:    env.TS,
	})
}

// BroadcastLocal best-effort pushes ev to every online user on this node.
func (s *Server) BroadcastLocal(ev *global.OutboundEvent) {
	body := ev.Encode()
	for _, u := range s.reg.OnlineUsers() {
		if sink, ok := s.reg.RouteMessage(u); ok {
			if err := sink.Send(body); err != nil {
				logger.Debug("[gateway] broadcast send failed")
			}
		}
	}
}

// CallEndNotifier pushes callEnded{callId, reason} through the registry.
func CallEndNotifier(reg *presence.Manager) call.Notifier {
	return func(userID, callID, reason string) {
		sink, ok := reg.RouteMessage(userID)
		if !ok {
			return
		}
		ev := &global.OutboundEvent{
			Event: global.EvCallEnded,
			Data:  map[string]any{"callId": callID, "reason": reason},
			TS:    time.Now().UnixMilli(),
		}
		if err := sink.Send(ev.Encode()); err != nil {
			logger.Errorf("[gateway] callEnded push failed user=%s call=%s err=%v", userID, callID, err)
		}
	}
}

// ===== ws loop =====

func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[gateway] upgrade failed: %v", err)
		return
	}

	sess := &session{
		connID: ids.GenerateString(),
		remote: ws.RemoteAddr(),
		sink:   newWsSink(ws),
	}
	defer func() {
		if sess.userID != "" {
			s.reg.RemoveConnection(sess.connID)
		}
		_ = sess.sink.Close()
	}()

	// handshake: the first frame must be connect with a valid token; the
	// connection is rejected before any registration otherwise
	if !s.handshake(ws, sess) {
		return
	}

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[gateway] peer closed connId=%s", sess.connID)
			} else {
				logger.Infof("[gateway] read err connId=%s err=%v", sess.connID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, perr := ParseFrameJSON(data)
		if perr != nil {
			logger.Infof("[gateway] bad frame connId=%s err=%v len=%d", sess.connID, perr, len(data))
			continue
		}

		h, ok := s.handlers[f.Type]
		if !ok {
			logger.Infof("[gateway] no handler for type=%s connId=%s", f.Type, sess.connID)
			continue
		}
		h(f, sess)
	}
}

func (s *Server) handshake(ws *websocket.Conn, sess *session) bool {
	_ = ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return false
	}
	_ = ws.SetReadDeadline(time.Time{})

	f, err := ParseFrameJSON(data)
	if err != nil || f.Type != TypeConnect {
		_ = sess.sink.Send(buildAck("", global.AckError, map[string]any{"reason": "connect frame required"}))
		return false
	}
	p, err := decode.DecodeMap[ConnectPayload](f.Payload)
	if err != nil || p.Token == "" {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, map[string]any{"reason": "missing token"}))
		return false
	}
	userID, err := security.Verify(s.conf.JWT, p.Token)
	if err != nil {
		logger.Infof("[gateway] auth rejected connId=%s err=%v", sess.connID, err)
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, map[string]any{"reason": "auth failed"}))
		return false
	}

	sess.userID = userID
	if err := s.reg.RegisterConnection(sess.connID, userID, sess.sink); err != nil {
		logger.Errorf("[gateway] register failed connId=%s user=%s err=%v", sess.connID, userID, err)
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return false
	}

	_ = sess.sink.Send(buildAck(f.AckID, global.AckOK, map[string]any{
		"connId":    sess.connID,
		"gatewayId": s.reg.GatewayID(),
	}))

	// fresh connections get the full online snapshot
	snap := &global.OutboundEvent{
		Event: global.EvOnlineUsers,
		Data:  map[string]any{"users": s.reg.OnlineUsers()},
		TS:    time.Now().UnixMilli(),
	}
	_ = sess.sink.Send(snap.Encode())
	return true
}
