package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/syncroom/engine/internal/v1/auth"
	"github.com/syncroom/engine/internal/v1/broadcast"
	"github.com/syncroom/engine/internal/v1/config"
	"github.com/syncroom/engine/internal/v1/logging"
	"github.com/syncroom/engine/internal/v1/metrics"
	"github.com/syncroom/engine/internal/v1/ratelimit"
	"github.com/syncroom/engine/internal/v1/registry"
	"github.com/syncroom/engine/internal/v1/room"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/syncroom/engine/internal/v1/gateway")

type tokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Gateway is the single WebSocket entry point: it upgrades connections,
// decodes frames, authenticates them to a Room, and dispatches validated
// commands (spec.md §4.5).
type Gateway struct {
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	limiter     *ratelimit.RateLimiter
	validator   tokenValidator
	cfg         *config.Config
	upgrader    websocket.Upgrader
}

// New creates a Gateway. validator may be nil when cfg.SkipAuth is set, in
// which case bearer tokens are never checked.
func New(reg *registry.Registry, b *broadcast.Broadcaster, limiter *ratelimit.RateLimiter, validator tokenValidator, cfg *config.Config) *Gateway {
	return &Gateway{
		registry:    reg,
		broadcaster: b,
		limiter:     limiter,
		validator:   validator,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the HTTP request to a WebSocket and runs the connection's
// read/write pumps until it closes. Registered as the gin handler for the
// WS route.
func (g *Gateway) Handle(c *gin.Context) {
	ip := c.ClientIP()
	if g.limiter != nil && !g.limiter.CheckWebSocketConnect(c.Request.Context(), ip) {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	if g.validator != nil {
		if err := g.authenticateTransport(c); err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	handle := newConnection(conn, g.cfg.MaxOutboundBacklog)
	metrics.ActiveGatewayConnections.Inc()
	go handle.writePump()
	g.readPump(handle)
}

// authenticateTransport validates an optional bearer token from the
// upgrade request. This is transport-level identity only: the token's claims
// are discarded, senderId always comes from each frame, and the token is
// never consulted by Room permission checks (sender_id == host_id is the
// sole authority there, per spec.md §1 Non-goals).
func (g *Gateway) authenticateTransport(c *gin.Context) error {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil
	}
	const prefix = "Bearer "
	if len(authHeader) <= len(prefix) {
		return fmt.Errorf("malformed authorization header")
	}
	_, err := g.validator.ValidateToken(authHeader[len(prefix):])
	return err
}

func (g *Gateway) readPump(c *connection) {
	defer func() {
		metrics.ActiveGatewayConnections.Dec()
		g.handleDisconnect(c)
	}()

	idleTimeout := g.cfg.ClientIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.idleFor() > idleTimeout {
			return
		}
		c.touchFrame()

		frame, err := decodeFrame(data)
		if err != nil {
			g.ackDirect(c, "", room.Result{Reason: room.ReasonInvalidMessage})
			continue
		}
		g.Dispatch(context.Background(), c, frame)
	}
}

func (g *Gateway) handleDisconnect(c *connection) {
	roomID, _, authenticated := c.authenticatedPair()
	if !authenticated {
		c.Close()
		return
	}
	if r, ok := g.registry.Get(roomID); ok {
		r.DetachMember(c)
	}
	c.Close()
}

// Dispatch validates and routes one inbound frame. It never panics out: an
// unexpected fault is recovered and surfaced as processing_error, per
// spec.md §7's propagation policy.
func (g *Gateway) Dispatch(ctx context.Context, c *connection, frame Frame) {
	ctx = context.WithValue(ctx, logging.CorrelationIDKey, frame.CorrelationID)
	ctx, span := tracer.Start(ctx, "gateway.dispatch",
		trace.WithAttributes(
			attribute.String("room_id", frame.RoomID),
			attribute.String("type", frame.Type),
			attribute.String("subType", frame.SubType),
		),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "panic recovered in dispatch", zap.Any("panic", rec))
			g.ackDirect(c, frame.CorrelationID, room.Result{Reason: room.ReasonProcessingError})
		}
	}()

	start := time.Now()
	status := "ok"
	defer func() {
		metrics.GatewayCommands.WithLabelValues(frame.Type, frame.SubType, status).Inc()
		metrics.CommandProcessingDuration.WithLabelValues(frame.Type, frame.SubType).Observe(time.Since(start).Seconds())
	}()

	if reason := frame.validate(); reason != "" {
		status = "rejected"
		g.ackDirect(c, frame.CorrelationID, room.Result{Reason: reason})
		return
	}

	if g.limiter != nil {
		if err := g.limiter.CheckSenderCommand(ctx, frame.SenderID); err != nil {
			status = "rate_limited"
			g.ackDirect(c, frame.CorrelationID, room.Result{Reason: "rate_limited"})
			return
		}
	}

	if frame.Type != TypeAuth {
		roomID, senderID, authed := c.authenticatedPair()
		if !authed || roomID != frame.RoomID || senderID != frame.SenderID {
			status = "rejected"
			g.ackDirect(c, frame.CorrelationID, room.Result{Reason: room.ReasonInvalidSession})
			return
		}
	}

	var res room.Result
	switch frame.Type {
	case TypeAuth:
		res = g.handleAuth(c, frame)
	case TypeHeartbeat:
		res = g.handleHeartbeat(frame)
	case TypePlayback:
		res = g.handlePlayback(frame)
	case TypePlaylist:
		res = g.handlePlaylist(frame)
	case TypeSettings:
		res = g.handleSettings(frame)
	case TypeSystem:
		res = g.handleSystem(frame)
	default:
		res = room.Result{Reason: room.ReasonUnknownMessageType}
	}

	if !res.OK {
		status = "failed"
		span.SetAttributes(attribute.String("reason", res.Reason))
	}
	g.ackDirect(c, frame.CorrelationID, res)

	// A successful auth is followed, after its ACK, by the one-shot full_state.
	if frame.Type == TypeAuth && res.OK {
		if r, ok := g.registry.Get(frame.RoomID); ok {
			_ = g.broadcaster.SendFullState(c, r.Snapshot())
		}
	}
}

func (g *Gateway) ackDirect(c *connection, correlationID string, res room.Result) {
	if !res.OK && res.Reason == "" {
		res.Reason = room.ReasonProcessingError
	}
	_ = g.broadcaster.SendAck(c, correlationID, res)
}

func (g *Gateway) handleAuth(c *connection, frame Frame) room.Result {
	r, exists := g.registry.Get(frame.RoomID)
	if !exists {
		return room.Result{Reason: room.ReasonRoomNotFound}
	}
	if r.State() == room.StateTerminated && frame.SenderID != r.HostID() {
		return room.Result{Reason: room.ReasonRoomNotActive}
	}

	data, okData := decodeData[authData](frame.Data)
	if !okData {
		return room.Result{Reason: room.ReasonInvalidMessage}
	}

	res := r.AttachMember(frame.SenderID, c, data.IsHost, g.cfg.HostTimeout)
	if !res.OK {
		return res
	}

	c.setAuthenticated(frame.RoomID, frame.SenderID)
	return room.Result{OK: true, Reason: "authenticated"}
}

func (g *Gateway) handleHeartbeat(frame Frame) room.Result {
	r, exists := g.registry.Get(frame.RoomID)
	if !exists {
		return room.Result{Reason: room.ReasonRoomNotFound}
	}
	r.Touch(frame.SenderID)
	return room.Result{OK: true}
}

func (g *Gateway) handleSystem(frame Frame) room.Result {
	if frame.SubType != "" && frame.SubType != SubHealthCheck {
		return room.Result{Reason: room.ReasonUnknownSubtype}
	}
	return g.handleHeartbeat(frame)
}

func (g *Gateway) handlePlayback(frame Frame) room.Result {
	r, exists := g.registry.Get(frame.RoomID)
	if !exists {
		return room.Result{Reason: room.ReasonRoomNotFound}
	}

	switch frame.SubType {
	case SubPlay:
		d, okData := decodeData[playData](frame.Data)
		if !okData {
			return room.Result{Reason: room.ReasonInvalidMessage}
		}
		return r.Play(frame.SenderID, d.TrackIndex, d.PositionMs)
	case SubPause:
		return r.Pause(frame.SenderID)
	case SubNext:
		return r.Next(frame.SenderID)
	case SubPrevious:
		return r.Previous(frame.SenderID)
	case SubSeek:
		d, okData := decodeData[seekData](frame.Data)
		if !okData {
			return room.Result{Reason: room.ReasonInvalidMessage}
		}
		return r.Seek(frame.SenderID, d.PositionMs)
	case SubSyncState:
		d, okData := decodeData[syncStateData](frame.Data)
		if !okData {
			return room.Result{Reason: room.ReasonInvalidMessage}
		}
		if d.IsPlaying {
			return r.Play(frame.SenderID, d.TrackIndex, &d.PositionMs)
		}
		res := r.Pause(frame.SenderID)
		if res.OK && d.PositionMs > 0 {
			return r.Seek(frame.SenderID, d.PositionMs)
		}
		return res
	default:
		return room.Result{Reason: room.ReasonUnknownSubtype}
	}
}

func (g *Gateway) handlePlaylist(frame Frame) room.Result {
	r, exists := g.registry.Get(frame.RoomID)
	if !exists {
		return room.Result{Reason: room.ReasonRoomNotFound}
	}

	switch frame.SubType {
	case SubAdd:
		d, okData := decodeData[trackData](frame.Data)
		if !okData || d.TrackID == "" {
			return room.Result{Reason: room.ReasonMissingParams}
		}
		return r.AddTrack(frame.SenderID, room.Track{TrackID: d.TrackID, Title: d.Title, DurationMs: d.DurationMs})
	case SubRemove:
		d, okData := decodeData[removeTrackData](frame.Data)
		if !okData {
			return room.Result{Reason: room.ReasonInvalidMessage}
		}
		return r.RemoveTrack(frame.SenderID, d.TrackIndex)
	case SubMove:
		d, okData := decodeData[moveTrackData](frame.Data)
		if !okData {
			return room.Result{Reason: room.ReasonInvalidMessage}
		}
		return r.MoveTrack(frame.SenderID, d.FromIndex, d.ToIndex)
	case SubSyncQueue:
		if frame.SenderID != r.HostID() {
			return room.Result{Reason: room.ReasonNotAuthorized}
		}
		d, okData := decodeData[syncQueueData](frame.Data)
		if !okData {
			return room.Result{Reason: room.ReasonInvalidMessage}
		}
		tracks := make([]room.Track, len(d.Tracks))
		for i, t := range d.Tracks {
			tracks[i] = room.Track{TrackID: t.TrackID, Title: t.Title, AddedBy: frame.SenderID, DurationMs: t.DurationMs}
		}
		return r.ReplaceQueue(frame.SenderID, tracks)
	default:
		return room.Result{Reason: room.ReasonUnknownSubtype}
	}
}

func (g *Gateway) handleSettings(frame Frame) room.Result {
	r, exists := g.registry.Get(frame.RoomID)
	if !exists {
		return room.Result{Reason: room.ReasonRoomNotFound}
	}
	d, okData := decodeData[settingsData](frame.Data)
	if !okData {
		return room.Result{Reason: room.ReasonInvalidMessage}
	}
	return r.UpdateSettings(frame.SenderID, d.AllowGuestsControl, d.AllowGuestsAddTracks)
}
