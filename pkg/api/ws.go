package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server-initiated message types
const (
	ReadyMessageType = "connection.ready"
	ErrorMessageType = "connection.error"
)

// ClientFrame is a presence transition sent by a client
type ClientFrame struct {
	Action types.Action `json:"action"`
	Entity string       `json:"entity"`
}

// wsSink writes envelopes as text frames. Writes from the sender task and
// the read loop's error replies are serialized. A failed write closes the
// socket so the read loop ends and the connection is detached.
type wsSink struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (s *wsSink) Send(_ context.Context, env types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.MessageType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err == nil {
		err = wsutil.WriteServerMessage(s.conn, ws.OpText, data)
	}
	if err != nil {
		_ = s.conn.Close()
		return err
	}
	return nil
}

func (s *wsSink) sendError(msg string) {
	env, err := types.NewEnvelope(ErrorMessageType, map[string]string{"error": msg})
	if err != nil {
		return
	}
	_ = s.Send(context.Background(), env)
}

// handleWebSocket upgrades the request and runs the connection until the
// client goes away. The connection is attached to the gateway and to its
// user's own entity so messages addressed to the user reach it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + UserHeader})
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	logger := log.WithConnectionID(connID).With().
		Str("component", "api").
		Str("user_id", userID).
		Logger()

	if !s.track(connID, conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(connID)
	defer conn.Close()

	sink := &wsSink{conn: conn, timeout: s.cfg.WriteTimeout}
	if _, err := s.gw.Attach(connID, sink); err != nil {
		logger.Error().Err(err).Msg("Failed to attach connection")
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.gw.Detach(ctx, connID); err != nil {
			logger.Error().Err(err).Msg("Failed to detach connection")
		}
	}()

	ctx := r.Context()
	if err := s.gw.Track(ctx, types.UserEntity(userID), connID, userID, types.ActionOpen); err != nil {
		logger.Error().Err(err).Msg("Failed to register user presence")
		sink.sendError("presence unavailable")
		return
	}

	ready, err := types.NewEnvelope(ReadyMessageType, map[string]string{
		"connection_id": connID,
		"node_id":       s.gw.ID(),
	})
	if err == nil {
		_ = sink.Send(ctx, ready)
	}
	logger.Info().Msg("Client connected")

	limiter := rate.NewLimiter(rate.Limit(s.cfg.FrameRate), s.cfg.FrameBurst)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			logger.Debug().Err(err).Msg("Client disconnected")
			return
		}
		if op != ws.OpText {
			continue
		}
		if !limiter.Allow() {
			logger.Warn().Msg("Client rate limited")
			sink.sendError("rate limit exceeded")
			continue
		}
		s.handleFrame(ctx, logger, sink, connID, userID, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, logger zerolog.Logger, sink *wsSink, connID, userID string, data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		sink.sendError("invalid frame: " + err.Error())
		return
	}

	entity, err := types.ParseEntity(frame.Entity)
	if err != nil {
		sink.sendError(err.Error())
		return
	}
	if entity.IsUser() {
		sink.sendError("user entities are managed by the gateway")
		return
	}

	if err := s.gw.Track(ctx, entity, connID, userID, frame.Action); err != nil {
		logger.Warn().
			Err(err).
			Str("entity", entity.String()).
			Str("action", string(frame.Action)).
			Msg("Presence transition failed")
		sink.sendError(fmt.Sprintf("%s %s failed", frame.Action, entity))
	}
}
