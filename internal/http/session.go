package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/router"
)

const (
	writeWait      = 5 * time.Second
	handleTimeout  = 10 * time.Second
	closeGraceWait = time.Second
)

var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("send buffer full")
)

// session is one authenticated websocket. Events queue on send and a single
// writer goroutine drains them, so a stalled client never blocks an emitter.
type session struct {
	id         string
	principal  models.Principal
	credential string
	conn       *websocket.Conn
	opts       Options
	logger     *slog.Logger

	send      chan models.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, p models.Principal, credential string, opts Options, logger *slog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:         id,
		principal:  p,
		credential: credential,
		conn:       conn,
		opts:       opts,
		logger:     logger.With("connection_id", id, "principal_id", p.ID),
		send:       make(chan models.Event, opts.SendBuffer),
		done:       make(chan struct{}),
	}
}

func (s *session) ID() string                  { return s.id }
func (s *session) Principal() models.Principal { return s.principal }
func (s *session) Credential() string          { return s.credential }

// Send queues ev without blocking. A full queue means the client stopped
// reading; the session is closed rather than letting it fall further behind.
func (s *session) Send(ev models.Event) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- ev:
		return nil
	default:
		observability.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
		s.logger.Warn("slow consumer disconnected", "type", ev.Type, "buffer", cap(s.send))
		go s.closeWith(websocket.ClosePolicyViolation, "slow consumer")
		return errSendBufferFull
	}
}

func (s *session) Close() error {
	s.closeWith(websocket.CloseGoingAway, "")
	return nil
}

func (s *session) closeWith(code int, text string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, text)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGraceWait))
		_ = s.conn.Close()
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				s.Close()
				return
			}
		}
	}
}

// readPump feeds inbound frames to rt until the peer goes away or the session
// is closed.
func (s *session) readPump(ctx context.Context, rt *router.Router) {
	s.conn.SetReadLimit(s.opts.MaxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Info("websocket closed unexpectedly", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var in models.Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			_ = s.Send(models.ErrorEvent(fmt.Errorf("%w: malformed frame", models.ErrBadRequest), "", in.Ref))
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		rt.Handle(hctx, s, in)
		cancel()
	}
}
