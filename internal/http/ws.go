package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

const maxInboundBytes = 64 << 10

// CloseUnauthorized is sent when the handshake token is missing or invalid.
const CloseUnauthorized = websocket.ClosePolicyViolation

// handleWS upgrades, verifies ?token= and ?userType= and only then registers
// the socket. A bad token gets close code 1008.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	q := r.URL.Query()
	id, err := s.verifier.VerifyKind(q.Get("token"), models.UserKind(q.Get("userType")))
	if err != nil {
		s.logger.Warn("ws auth failed", "remote_addr", remoteIP(r), "error", err)
		msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	ch := dispatch.NewWSChannel(conn, s.ws.WriteTimeout)
	c, err := s.registry.Register(id.UserID, id.Kind, ch)
	if err != nil {
		return
	}
	defer s.registry.Unregister(c.ID)

	log := s.logger.With("conn_id", c.ID, "user_id", id.UserID, "user_type", id.Kind)
	ctx := logging.ContextWithLogger(r.Context(), log)
	log.Info("ws connected")

	s.reply(c, dispatch.Message{Type: dispatch.MsgConnectionEstablished, Data: dispatch.ConnectionEstablished{
		ConnectionID: c.ID,
		UserID:       id.UserID,
		UserType:     id.Kind,
		At:           c.ConnectedAt,
	}})
	if id.Kind == models.KindProvider {
		_ = s.rooms.Subscribe(id.UserID, dispatch.ProviderRoom(id.UserID))
	}

	pongWait := s.ws.PingInterval * 2
	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ch, done)

	limiter := rate.NewLimiter(rate.Limit(s.ws.InboundRate), int(s.ws.InboundRate)+1)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read ended", "error", err)
			}
			log.Info("ws disconnected")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if !limiter.Allow() {
			observability.WSMessagesDropped.WithLabelValues("rate_limited").Inc()
			s.reply(c, dispatch.ErrorMessage("rate_limited", "too many messages"))
			continue
		}
		s.handleInbound(ctx, c, data)
	}
}

func (s *Server) pingLoop(ch *dispatch.WSChannel, done <-chan struct{}) {
	ticker := time.NewTicker(s.ws.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ch.Ping(); err != nil {
				return
			}
		}
	}
}

// handleInbound dispatches one decoded client message. Errors go back to the
// sender as an error frame; the socket stays open.
func (s *Server) handleInbound(ctx context.Context, c *dispatch.Connection, data []byte) {
	in, err := dispatch.ParseInbound(data)
	if err != nil {
		s.reply(c, dispatch.ErrorMessage("bad_message", err.Error()))
		return
	}
	if err := s.route(ctx, c, in); err != nil {
		_, code := classify(err)
		if code == "internal" {
			logging.FromContext(ctx, s.logger).Error("ws message failed", "type", in.Type, "error", err)
		}
		s.reply(c, dispatch.ErrorMessage(code, err.Error()))
	}
}

var errProviderOnly = fmt.Errorf("%w: only providers may send this message", models.ErrForbidden)

func (s *Server) route(ctx context.Context, c *dispatch.Connection, in dispatch.Inbound) error {
	isProvider := c.Kind == models.KindProvider
	switch in.Type {
	case dispatch.MsgSubscribe:
		if err := s.coord.CanJoin(ctx, c.UserID, c.Kind, in.Room.Room); err != nil {
			return err
		}
		if err := s.rooms.Subscribe(c.UserID, in.Room.Room); err != nil {
			return err
		}
		s.reply(c, dispatch.Message{Type: dispatch.MsgSubscribed, Data: in.Room})
	case dispatch.MsgUnsubscribe:
		s.rooms.Unsubscribe(c.UserID, in.Room.Room)
		s.reply(c, dispatch.Message{Type: dispatch.MsgUnsubscribed, Data: in.Room})
	case dispatch.MsgAcceptJob:
		if !isProvider {
			return errProviderOnly
		}
		_, err := s.coord.Accept(ctx, in.Job.JobID, c.UserID)
		return err
	case dispatch.MsgDeclineJob:
		if !isProvider {
			return errProviderOnly
		}
		return s.coord.Decline(ctx, in.Job.JobID, c.UserID)
	case dispatch.MsgLocationUpdate:
		if !isProvider {
			return errProviderOnly
		}
		return s.recordLocation(ctx, c.UserID, *in.Location)
	case dispatch.MsgProviderStatus:
		if !isProvider {
			return errProviderOnly
		}
		return s.setProviderStatus(ctx, c.UserID, *in.ProviderStatus)
	case dispatch.MsgRequestStatus:
		if err := s.coord.CanJoin(ctx, c.UserID, c.Kind, dispatch.JobRoom(in.Job.JobID)); err != nil {
			return err
		}
		view, err := s.coord.Status(ctx, in.Job.JobID)
		if err != nil {
			return err
		}
		upd := dispatch.StatusUpdate{
			JobID:      view.Job.ID,
			Status:     view.Job.Status,
			ProviderID: view.Job.ProviderID,
			At:         view.Job.UpdatedAt,
		}
		if view.Window != nil {
			upd.Radius = view.Window.RadiusKm
			upd.Attempts = view.Window.Attempts
		}
		s.reply(c, dispatch.Message{Type: dispatch.MsgStatusUpdate, Data: upd})
	}
	return nil
}

func (s *Server) reply(c *dispatch.Connection, msg dispatch.Message) {
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error("encode reply failed", "type", msg.Type, "error", err)
		return
	}
	s.registry.Send(c.ID, data)
}
