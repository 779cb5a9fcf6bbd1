package computepool

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/ComputePool/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 << 10
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// devices connect from browsers on arbitrary origins
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// serveWS upgrades the request and runs the session until either side closes.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	sess := s.hub.Open()
	go writePump(conn, sess)
	readPump(s.hub, conn, sess)
}

func readPump(hub *Hub, conn *websocket.Conn, sess *Session) {
	var cause error
	defer func() {
		hub.Disconnect(sess, cause)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				select {
				case <-sess.Done():
				default:
					cause = errors.Wrap(err, "websocket read")
				}
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			sess.Deliver(protocol.New(protocol.EventError, protocol.Error{
				Code:    CodeBadRequest,
				Message: ErrBadRequest.Error(),
			}))
			continue
		}
		hub.Handle(sess, env)
	}
}

// writePump is the only writer on conn. It drains the session outbox in order
// and closes the connection once the session is done.
func writePump(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Debug().Err(err).Str("device_id", sess.ID()).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.Done():
			flushOutbox(conn, sess)
			reason := "bye"
			if sess.Err() != nil {
				reason = errors.Cause(sess.Err()).Error()
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(writeWait))
			return
		}
	}
}

func flushOutbox(conn *websocket.Conn, sess *Session) {
	for {
		select {
		case env := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		default:
			return
		}
	}
}
