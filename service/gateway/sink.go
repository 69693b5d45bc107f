package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const writeWait = 5 * time.Second

// wsSink wraps a websocket connection as a presence.Sink. gorilla conns
// allow only one concurrent writer, so writes serialize on the mutex.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWsSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

func (s *wsSink) Send(data []byte) error {
	if s.conn == nil {
		return errors.New("nil conn")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) Close() error {
	if s.conn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.conn.Close()
}
