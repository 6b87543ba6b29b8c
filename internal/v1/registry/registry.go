// Package registry is the process-wide owner of every Room: creation,
// lookup, and host- or health-authorized deletion (spec.md §4.2). It is the
// only cross-room shared structure and is safe for concurrent use; each
// Room's own state stays single-writer behind its own lock.
package registry

import (
	"fmt"
	"sync"

	"github.com/syncroom/engine/internal/v1/room"
)

// Reasons specific to registry operations, layered on top of room's taxonomy.
const (
	ReasonRoomExists = "room_exists"
	ReasonInvalidID  = "invalid_id"
)

// Error wraps a registry-level failure reason for callers that want typed
// errors instead of a boolean.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("registry: %s", e.Reason)
}

// Registry owns the room_id -> Room mapping.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room
	sink  room.EventSink
}

// New creates an empty Registry. sink is passed through to every Room it
// creates, so all rooms share one broadcast consumer.
func New(sink room.EventSink) *Registry {
	return &Registry{
		rooms: make(map[string]*room.Room),
		sink:  sink,
	}
}

// Create registers a new Room under roomID, owned by hostID.
func (reg *Registry) Create(roomID, hostID string) (*room.Room, error) {
	if roomID == "" {
		return nil, &Error{Reason: ReasonInvalidID}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.rooms[roomID]; exists {
		return nil, &Error{Reason: ReasonRoomExists}
	}

	r := room.New(roomID, hostID, reg.sink)
	reg.rooms[roomID] = r
	return r, nil
}

// Get returns the room for roomID, or false if absent.
func (reg *Registry) Get(roomID string) (*room.Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// Exists reports whether roomID is currently registered.
func (reg *Registry) Exists(roomID string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.rooms[roomID]
	return ok
}

// Delete removes roomID, but only if callerSenderID is the room's host_id or
// the reserved health_system principal. Delete drops it from the map, then
// terminates the Room (cancelling its scheduler) and closes every member
// handle. Idempotent: deleting an already-removed room is a no-op success.
func (reg *Registry) Delete(roomID, callerSenderID string) error {
	reg.mu.Lock()
	r, exists := reg.rooms[roomID]
	if !exists {
		reg.mu.Unlock()
		return nil
	}

	if callerSenderID != r.HostID() && callerSenderID != room.HealthSystemPrincipal {
		reg.mu.Unlock()
		return &Error{Reason: "not_authorized"}
	}

	delete(reg.rooms, roomID)
	reg.mu.Unlock()

	handles := r.Terminate()
	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}

// IterSnapshot returns a defensive copy of every currently registered room,
// used by the HealthMonitor's periodic scans and by stats endpoints.
func (reg *Registry) IterSnapshot() []*room.Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*room.Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Count returns the number of currently registered rooms.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
