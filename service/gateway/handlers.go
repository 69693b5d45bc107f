package gateway

import (
	"context"
	"time"

	"PPresence/global"
	"PPresence/logger"
	"PPresence/service/call"
	"PPresence/service/presence"
	"PPresence/service/ratelimit"
	"PPresence/tools/decode"

	"go.uber.org/zap"
)

func (s *Server) handlePing(f *Frame, sess *session) {
	if err := s.reg.Heartbeat(sess.connID); err != nil {
		logger.Debug("[gateway] heartbeat on unknown conn")
	}
	pong := &global.OutboundEvent{Event: global.EvPong, TS: time.Now().UnixMilli()}
	_ = sess.sink.Send(pong.Encode())
}

// handleOnline : explicit online signal. Idempotent; re-registering the
// same connection acks success without a second broadcast.
func (s *Server) handleOnline(f *Frame, sess *session) {
	if err := s.reg.RegisterConnection(sess.connID, sess.userID, sess.sink); err != nil {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return
	}
	_ = sess.sink.Send(buildAck(f.AckID, global.AckOK, nil))
}

// handleOffline : explicit logout; connection mapping is destroyed just as
// on transport disconnect.
func (s *Server) handleOffline(f *Frame, sess *session) {
	s.reg.RemoveConnection(sess.connID)
	_ = sess.sink.Send(buildAck(f.AckID, global.AckOK, nil))
}

func (s *Server) handleStatus(f *Frame, sess *session) {
	p, err := decode.DecodeMap[StatusPayload](f.Payload)
	if err != nil {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return
	}
	if err := s.reg.SetStatus(sess.userID, presence.Status(p.Status)); err != nil {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return
	}
	_ = sess.sink.Send(buildAck(f.AckID, global.AckOK, nil))
}

// handleSendMsg answers with one of {"", "error", "notFriend", "offline"}.
func (s *Server) handleSendMsg(f *Frame, sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := decode.DecodeMap[SendMsgPayload](f.Payload)
	if err != nil || p.To == "" {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return
	}

	// per-user and per-IP budgets; rate-limit rejection is an explicit,
	// typed rejection to the caller
	if _, ok := s.limiter.Allow(ctx, ratelimit.ClassQuery, sess.userID); !ok {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, map[string]any{"reason": "rate limited"}))
		return
	}
	if sess.remote != nil {
		if host, ok := splitHost(sess.remote.String()); ok {
			if _, ok := s.limiter.Allow(ctx, ratelimit.ClassPerIP, host); !ok {
				_ = sess.sink.Send(buildAck(f.AckID, global.AckError, map[string]any{"reason": "rate limited"}))
				return
			}
		}
	}

	if s.friends != nil {
		isFriend, err := s.friends.IsFriend(ctx, sess.userID, p.To)
		if err != nil {
			logger.Errorf("[gateway] friend check failed from=%s to=%s err=%v", sess.userID, p.To, err)
			_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
			return
		}
		if !isFriend {
			_ = sess.sink.Send(buildAck(f.AckID, global.AckNotFriend, nil))
			return
		}
	}

	sink, local := s.reg.RouteMessage(p.To)
	if local {
		ev := &global.OutboundEvent{
			Event: global.EvMessage,
			Data:  map[string]any{"from": sess.userID, "content": p.Content},
			TS:    time.Now().UnixMilli(),
		}
		if err := sink.Send(ev.Encode()); err != nil {
			logger.Errorf("[gateway] message push failed from=%s to=%s err=%v", sess.userID, p.To, err)
			_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
			return
		}
	} else {
		// not on this node: the mirror tells offline apart from online
		// elsewhere; the latter rides the pipeline to the holding node
		gw, elsewhere := s.reg.LookupRemote(ctx, p.To)
		if !elsewhere {
			_ = sess.sink.Send(buildAck(f.AckID, global.AckOffline, nil))
			return
		}
		logger.Debug("[gateway] recipient on remote node",
			zap.String("to", p.To), zap.String("gateway", gw))
	}

	// attention notification rides the pipeline, independent of the push
	s.adapter.NotifyMessage(ctx, sess.userID, p.To, p.Content)
	_ = sess.sink.Send(buildAck(f.AckID, global.AckOK, nil))
}

func (s *Server) handleCallStart(f *Frame, sess *session) {
	p, err := decode.DecodeMap[CallStartPayload](f.Payload)
	if err != nil {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return
	}
	typ := call.TypeAudio
	if p.CallType == string(call.TypeVideo) {
		typ = call.TypeVideo
	}

	var (
		sn   *call.Session
		serr error
	)
	if p.GroupID != "" {
		sn, serr = s.calls.StartGroup(sess.userID, p.GroupID, p.Members, typ, p.MinParties)
	} else {
		sn, serr = s.calls.StartDirect(sess.userID, p.To, typ)
	}
	if serr != nil {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, map[string]any{"reason": serr.Error()}))
		return
	}
	_ = sess.sink.Send(buildAck(f.AckID, global.AckOK, map[string]any{"callId": sn.CallID}))
}

func (s *Server) handleCallAccept(f *Frame, sess *session) {
	p, err := decode.DecodeMap[CallRefPayload](f.Payload)
	if err != nil {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return
	}
	if err := s.calls.Accept(p.CallID, sess.userID); err != nil {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return
	}
	_ = sess.sink.Send(buildAck(f.AckID, global.AckOK, nil))
}

func (s *Server) handleCallLeave(f *Frame, sess *session) {
	p, err := decode.DecodeMap[CallRefPayload](f.Payload)
	if err != nil {
		_ = sess.sink.Send(buildAck(f.AckID, global.AckError, nil))
		return
	}
	s.calls.Leave(p.CallID, sess.userID)
	_ = sess.sink.Send(buildAck(f.AckID, global.AckOK, nil))
}

func splitHost(addr string) (string, bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], true
		}
	}
	return addr, addr != ""
}
