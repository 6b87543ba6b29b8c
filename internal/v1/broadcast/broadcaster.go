// Package broadcast turns Room events into wire-format JSON and fans them
// out to room members (spec.md §4.4). It implements room.EventSink, so a
// Room never needs to know how its events reach a socket.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/syncroom/engine/internal/v1/bus"
	"github.com/syncroom/engine/internal/v1/logging"
	"github.com/syncroom/engine/internal/v1/metrics"
	"github.com/syncroom/engine/internal/v1/room"
	"go.uber.org/zap"
)

// alwaysIncludeOrigin lists broadcast types that always reach every member,
// including the command's own originator — spec.md §9 picks this over the
// source's inconsistent echo behavior so every client converges on the
// authoritative position.
var alwaysIncludeOrigin = map[string]bool{
	room.EventTypePlayback: true,
}

// Broadcaster fans out Room events and sends unicast ACK/full_state
// envelopes. redisBus is optional; a nil value disables cross-instance
// fan-out and every method still works for the local process only.
type Broadcaster struct {
	redisBus *bus.Service
}

// New creates a Broadcaster. redisBus may be nil.
func New(redisBus *bus.Service) *Broadcaster {
	return &Broadcaster{redisBus: redisBus}
}

type wireEnvelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Emit implements room.EventSink. It must return quickly: callers invoke it
// while still holding the originating Room's lock.
func (b *Broadcaster) Emit(ev room.Event) {
	ctx := context.Background()

	data := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["roomId"] = ev.RoomID
	data["timestamp"] = nowMillis()
	if ev.SubType != "" {
		data["subType"] = ev.SubType
	}

	payload, err := json.Marshal(wireEnvelope{Type: ev.Type, Data: data})
	if err != nil {
		logging.Error(ctx, "failed to marshal broadcast envelope", zap.Error(err), zap.String("eventType", ev.Type))
		return
	}

	exclude := ev.ExcludeSenderID
	if alwaysIncludeOrigin[ev.Type] {
		exclude = ""
	}

	sent := 0
	for senderID, handle := range ev.Recipients {
		if exclude != "" && senderID == exclude {
			continue
		}
		if err := handle.Send(payload); err != nil {
			metrics.BroadcastDropped.WithLabelValues("send_error").Inc()
			logging.Warn(ctx, "dropping broadcast to member", zap.String("senderId", senderID), zap.Error(err))
			continue
		}
		sent++
	}
	metrics.BroadcastsSent.WithLabelValues(ev.Type).Add(float64(sent))

	if b.redisBus != nil {
		go func() {
			if err := b.redisBus.Publish(context.Background(), ev.RoomID, ev.Type, data, exclude); err != nil {
				logging.Warn(context.Background(), "cross-instance publish failed", zap.String("roomId", ev.RoomID), zap.Error(err))
			}
		}()
	}
}

// SendAck unicasts a command's outcome back to its originator, carrying the
// correlation ID so the client can match request to response.
func (b *Broadcaster) SendAck(handle room.ClientHandle, correlationID string, result room.Result) error {
	payload, err := json.Marshal(wireEnvelope{
		Type: "ack",
		Data: map[string]any{
			"success":       result.OK,
			"reason":        result.Reason,
			"correlationId": correlationID,
			"timestamp":     nowMillis(),
		},
	})
	if err != nil {
		return err
	}
	return handle.Send(payload)
}

// SendFullState unicasts the one-shot post-authentication snapshot to a
// newly attached member.
func (b *Broadcaster) SendFullState(handle room.ClientHandle, snap room.Snapshot) error {
	payload, err := json.Marshal(wireEnvelope{
		Type: "full_state",
		Data: map[string]any{
			"room":            snap,
			"playlist":        snap.Queue,
			"nowPlayingIndex": snap.NowPlayingIndex,
			"nowPlaying":      snap.NowPlaying,
			"settings":        snap.Settings,
			"timestamp":       nowMillis(),
		},
	})
	if err != nil {
		return err
	}
	return handle.Send(payload)
}
