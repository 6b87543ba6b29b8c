// Package room implements the per-room coordination engine: membership,
// queue, now-playing state, permissions, host liveness, and the automatic
// end-of-track timer (spec.md §3-§5). A Room is a single-writer actor: every
// mutating command takes effect atomically with respect to every other
// command on the same Room, enforced here with a plain mutex rather than a
// message-passing goroutine — the simpler of the two shapes the design notes
// call out as equivalent, and the one the teacher's own Room used.
package room

import (
	"sync"
	"time"
)

// Room owns all state for one synchronized-playback session.
type Room struct {
	mu sync.Mutex

	id       string
	hostID   string
	state    State
	settings Settings

	queue           []Track
	nowPlayingIndex *int

	// Playback clock. While ACTIVE, position = now - startedAt. While
	// PAUSED, position is frozen in pausedPositionMs instead.
	startedAt        int64
	pausedPositionMs int64

	members map[string]ClientHandle

	lastActivityAt     int64
	lastHostActivityAt int64
	createdAt          int64

	timer    *time.Timer
	timerGen uint64

	sink EventSink
	now  func() time.Time
}

// New creates a Room in state CREATED, owned by hostID. sink receives every
// broadcast-worthy event the Room produces; it must be non-nil.
func New(id, hostID string, sink EventSink) *Room {
	n := time.Now().UnixMilli()
	return &Room{
		id:     id,
		hostID: hostID,
		state:  StateCreated,
		settings: Settings{
			AllowGuestsControl:   true,
			AllowGuestsEditQueue: false,
		},
		members:            make(map[string]ClientHandle),
		createdAt:          n,
		lastActivityAt:     n,
		lastHostActivityAt: n,
		sink:               sink,
		now:                time.Now,
	}
}

// ID returns the room's identifier.
func (r *Room) ID() string {
	return r.id
}

// HostID returns the designated host's sender ID.
func (r *Room) HostID() string {
	return r.hostID
}

func (r *Room) nowMillis() int64 {
	return r.now().UnixMilli()
}

// State returns the current lifecycle state.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastHostActivityAt returns the monotonic epoch-millis timestamp of the
// host's last observed activity (connection or command), used by the
// HealthMonitor's liveness scan.
func (r *Room) LastHostActivityAt() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHostActivityAt
}

// LastActivityAt returns the timestamp of the last activity from any member.
func (r *Room) LastActivityAt() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivityAt
}

// MemberCount reports the current number of attached connections.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) touchActivity(senderID string) {
	now := r.nowMillis()
	r.lastActivityAt = now
	if senderID == r.hostID {
		r.lastHostActivityAt = now
	}
}

func (r *Room) emit(eventType, subType string, data map[string]any, excludeSenderID string) {
	if r.sink == nil {
		return
	}
	recipients := make(map[string]ClientHandle, len(r.members))
	for id, h := range r.members {
		recipients[id] = h
	}
	r.sink.Emit(Event{
		RoomID:          r.id,
		Type:            eventType,
		SubType:         subType,
		Data:            data,
		ExcludeSenderID: excludeSenderID,
		Recipients:      recipients,
	})
}

// --- Permission predicates (caller must hold r.mu) ---

func (r *Room) isHost(senderID string) bool {
	return senderID == r.hostID
}

func (r *Room) canControl(senderID string) bool {
	return r.isHost(senderID) || r.settings.AllowGuestsControl
}

func (r *Room) canEditQueue(senderID string) bool {
	return r.isHost(senderID) || r.settings.AllowGuestsEditQueue
}

func (r *Room) hostConnected() bool {
	_, ok := r.members[r.hostID]
	return ok
}

// AttachMember joins senderID to the room over handle. The host role is
// granted to host_id regardless of isHostClaim; non-host joins are allowed
// whenever the host is connected, or has been absent no longer than
// hostTimeout (the reconnection grace window for late guests).
func (r *Room) AttachMember(senderID string, handle ClientHandle, isHostClaim bool, hostTimeout time.Duration) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateTerminated {
		return fail(ReasonRoomNotActive)
	}

	isHost := r.isHost(senderID)
	if !isHost {
		hostAbsentFor := time.Duration(r.nowMillis()-r.lastHostActivityAt) * time.Millisecond
		if !r.hostConnected() && hostAbsentFor > hostTimeout {
			return fail(ReasonJoinFailed)
		}
	}

	if prior, exists := r.members[senderID]; exists {
		_ = prior.Close()
	}
	r.members[senderID] = handle

	wasDisconnectedOrCreated := r.state == StateHostDisconnected || r.state == StateCreated
	r.touchActivity(senderID)

	if isHost {
		reconnecting := r.state == StateHostDisconnected
		if wasDisconnectedOrCreated {
			r.state = StateActive
		}
		if reconnecting {
			r.emit(EventHostReconnected, "", map[string]any{"senderId": senderID}, senderID)
		} else {
			r.emit(EventHostConnected, "", map[string]any{"senderId": senderID}, senderID)
		}
	} else {
		r.emit(EventUserJoined, "", map[string]any{"senderId": senderID}, senderID)
	}

	return ok()
}

// DetachMember removes whichever member is currently using handle. If the
// departing member is the host, the room transitions to HOST_DISCONNECTED.
// Returns false if handle was not a member (already removed, e.g. by a
// newer connection for the same sender_id displacing it).
func (r *Room) DetachMember(handle ClientHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var senderID string
	var found bool
	for id, h := range r.members {
		if h == handle {
			senderID, found = id, true
			break
		}
	}
	if !found {
		return false
	}
	delete(r.members, senderID)

	if senderID == r.hostID {
		if r.state != StateTerminated {
			r.state = StateHostDisconnected
		}
		r.emit(EventHostDisconnected, "", map[string]any{"senderId": senderID}, "")
	} else {
		r.emit(EventUserLeft, "", map[string]any{"senderId": senderID}, senderID)
	}
	return true
}

// Play starts (or resumes) playback. trackIndex and positionMs are optional.
// A nil positionMs with no trackIndex on a PAUSED room resumes from the
// paused position; in every other case a nil positionMs is treated as 0.
func (r *Room) Play(senderID string, trackIndex *int, positionMs *int64) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.canControl(senderID) {
		return fail(ReasonNotAuthorized)
	}

	if trackIndex != nil {
		if *trackIndex < 0 || *trackIndex >= len(r.queue) {
			return fail(ReasonActionFailed)
		}
		idx := *trackIndex
		r.nowPlayingIndex = &idx
	} else if r.nowPlayingIndex == nil {
		if len(r.queue) == 0 {
			return fail(ReasonActionFailed)
		}
		idx := 0
		r.nowPlayingIndex = &idx
	}

	pos := int64(0)
	if positionMs != nil {
		pos = *positionMs
	} else if trackIndex == nil && r.state == StatePaused {
		pos = r.pausedPositionMs
	}

	r.state = StateActive
	r.startedAt = r.nowMillis() - pos
	r.pausedPositionMs = 0
	r.touchActivity(senderID)
	r.rescheduleTimer()

	r.emit(EventTypePlayback, PlaybackActionPlay, map[string]any{
		"action":           PlaybackActionPlay,
		"currentTrackIndex": *r.nowPlayingIndex,
		"positionMs":       pos,
	}, "")
	return ok()
}

// Pause freezes playback at its current computed position.
func (r *Room) Pause(senderID string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.canControl(senderID) {
		return fail(ReasonNotAuthorized)
	}
	if r.nowPlayingIndex == nil {
		return fail(ReasonActionFailed)
	}

	pos := r.currentPositionMsLocked()
	r.pausedPositionMs = pos
	r.state = StatePaused
	r.cancelTimer()
	r.touchActivity(senderID)

	r.emit(EventTypePlayback, PlaybackActionPause, map[string]any{
		"action":           PlaybackActionPause,
		"currentTrackIndex": *r.nowPlayingIndex,
		"positionMs":       pos,
	}, "")
	return ok()
}

// Next advances to the next queued track. Past the end of the queue it
// clears playback and reports the playlist_ended boundary event (spec.md
// §8 Boundary behaviors) rather than a permission/state error.
func (r *Room) Next(senderID string) Result {
	return r.advance(senderID, 1)
}

// Previous retreats to the prior queued track. Before the first track it
// fails with action_failed rather than wrapping (no source behavior ever
// supported wrap-around).
func (r *Room) Previous(senderID string) Result {
	return r.advance(senderID, -1)
}

func (r *Room) advance(senderID string, delta int) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.canControl(senderID) {
		return fail(ReasonNotAuthorized)
	}
	if r.nowPlayingIndex == nil {
		return fail(ReasonActionFailed)
	}

	next := *r.nowPlayingIndex + delta
	if next < 0 {
		return fail(ReasonActionFailed)
	}
	if next >= len(r.queue) {
		r.nowPlayingIndex = nil
		r.pausedPositionMs = 0
		r.cancelTimer()
		if r.state == StateActive || r.state == StatePaused {
			r.state = StateCreated
		}
		r.emit(EventPlaylistEnded, "", nil, "")
		return fail(EventPlaylistEnded)
	}

	r.nowPlayingIndex = &next
	r.startedAt = r.nowMillis()
	r.pausedPositionMs = 0
	r.state = StateActive
	r.touchActivity(senderID)
	r.rescheduleTimer()

	r.emit(EventTypePlayback, PlaybackActionPlay, map[string]any{
		"action":            PlaybackActionPlay,
		"currentTrackIndex": next,
		"positionMs":        int64(0),
	}, "")
	return ok()
}

// Seek jumps to positionMs within the current track.
func (r *Room) Seek(senderID string, positionMs int64) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.canControl(senderID) {
		return fail(ReasonNotAuthorized)
	}
	if r.nowPlayingIndex == nil {
		return fail(ReasonActionFailed)
	}
	track := r.queue[*r.nowPlayingIndex]
	if positionMs < 0 || (track.DurationMs > 0 && positionMs > track.DurationMs) {
		return fail(ReasonActionFailed)
	}

	if r.state == StatePaused {
		r.pausedPositionMs = positionMs
	} else {
		r.startedAt = r.nowMillis() - positionMs
		r.rescheduleTimer()
	}
	r.touchActivity(senderID)

	r.emit(EventTypePlayback, PlaybackActionSeek, map[string]any{
		"action":            PlaybackActionSeek,
		"currentTrackIndex": *r.nowPlayingIndex,
		"positionMs":        positionMs,
	}, "")
	return ok()
}

// AddTrack appends a track to the queue. TrackID comes from the caller and
// must be non-empty; AddedBy/AddedAt are overwritten server-side; Title, if
// empty, displays as
// "Unknown Track" at read time rather than being rewritten here.
func (r *Room) AddTrack(senderID string, track Track) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.canEditQueue(senderID) {
		return fail(ReasonNotAuthorized)
	}
	if track.TrackID == "" {
		return fail(ReasonActionFailed)
	}

	track.AddedBy = senderID
	track.AddedAt = r.nowMillis()
	r.queue = append(r.queue, track)
	r.touchActivity(senderID)

	r.emit(EventTypePlaylistUpdate, PlaylistActionAdd, map[string]any{
		"action": PlaylistActionAdd,
		"track":  track,
	}, "")
	return ok()
}

// RemoveTrack removes the track at index. Removing the now-playing track
// clears playback (no playlist_ended — the rest of the queue stays, with
// nothing playing, without treating it as "reached the end").
func (r *Room) RemoveTrack(senderID string, index int) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.canEditQueue(senderID) {
		return fail(ReasonNotAuthorized)
	}
	if index < 0 || index >= len(r.queue) {
		return fail(ReasonActionFailed)
	}

	r.queue = append(r.queue[:index], r.queue[index+1:]...)

	if r.nowPlayingIndex != nil {
		switch {
		case *r.nowPlayingIndex == index:
			r.nowPlayingIndex = nil
			r.pausedPositionMs = 0
			r.cancelTimer()
		case *r.nowPlayingIndex > index:
			*r.nowPlayingIndex--
		}
	}
	r.touchActivity(senderID)

	r.emit(EventTypePlaylistUpdate, PlaylistActionRemove, map[string]any{
		"action": PlaylistActionRemove,
		"index":  index,
	}, "")
	return ok()
}

// MoveTrack relocates the track at from to index to, preserving the
// identity of the currently playing track (its index is adjusted to track
// the move, not reset).
func (r *Room) MoveTrack(senderID string, from, to int) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.canEditQueue(senderID) {
		return fail(ReasonNotAuthorized)
	}
	n := len(r.queue)
	if from < 0 || from >= n || to < 0 || to >= n {
		return fail(ReasonActionFailed)
	}

	track := r.queue[from]
	r.queue = append(r.queue[:from], r.queue[from+1:]...)
	r.queue = append(r.queue[:to], append([]Track{track}, r.queue[to:]...)...)

	if r.nowPlayingIndex != nil {
		r.nowPlayingIndex = adjustIndexForMove(*r.nowPlayingIndex, from, to)
	}
	r.touchActivity(senderID)

	r.emit(EventTypePlaylistUpdate, PlaylistActionMove, map[string]any{
		"action":    PlaylistActionMove,
		"fromIndex": from,
		"toIndex":   to,
	}, "")
	return ok()
}

func adjustIndexForMove(current, from, to int) *int {
	switch {
	case current == from:
		current = to
	case from < to && current > from && current <= to:
		current--
	case from > to && current >= to && current < from:
		current++
	}
	return &current
}

// ClearQueue empties the queue. Host-only.
func (r *Room) ClearQueue(senderID string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isHost(senderID) {
		return fail(ReasonNotAuthorized)
	}

	r.queue = nil
	r.nowPlayingIndex = nil
	r.pausedPositionMs = 0
	r.cancelTimer()
	r.touchActivity(senderID)

	r.emit(EventPlaylistCleared, "", nil, "")
	return ok()
}

// ReplaceQueue atomically swaps in a new queue. Host-only. If the prior
// now-playing index is still in range it is preserved so the now-playing
// track reference survives a sync; otherwise playback is cleared.
//
// Note: unlike the source this is based on, the originating sender_id on
// each replacement track is preserved as given by the caller rather than
// being overwritten with a fixed "Host" attribution (design notes, spec.md
// §9) — callers that want host attribution should set AddedBy themselves.
func (r *Room) ReplaceQueue(senderID string, tracks []Track) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isHost(senderID) {
		return fail(ReasonNotAuthorized)
	}

	now := r.nowMillis()
	for i := range tracks {
		if tracks[i].AddedAt == 0 {
			tracks[i].AddedAt = now
		}
	}
	r.queue = tracks

	if r.nowPlayingIndex != nil && *r.nowPlayingIndex >= len(r.queue) {
		r.nowPlayingIndex = nil
		r.pausedPositionMs = 0
		r.cancelTimer()
	}
	r.touchActivity(senderID)

	r.emit(EventPlaylistSync, "", map[string]any{
		"tracks": r.queue,
	}, "")
	return ok()
}

// UpdateSettings changes the guest-permission flags. A nil pointer leaves
// that flag unchanged. Host-only.
func (r *Room) UpdateSettings(senderID string, allowControl, allowEdit *bool) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isHost(senderID) {
		return fail(ReasonNotAuthorized)
	}

	if allowControl != nil {
		r.settings.AllowGuestsControl = *allowControl
	}
	if allowEdit != nil {
		r.settings.AllowGuestsEditQueue = *allowEdit
	}
	r.touchActivity(senderID)

	r.emit(EventRoomSettingsUpdated, "", map[string]any{
		"allowGuestsControl":   r.settings.AllowGuestsControl,
		"allowGuestsEditQueue": r.settings.AllowGuestsEditQueue,
	}, "")
	return ok()
}

// Snapshot returns a defensive-copy read-only view of the room, used for
// the full_state envelope sent right after a successful AttachMember.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() Snapshot {
	queue := make([]Track, len(r.queue))
	for i, t := range r.queue {
		t.Title = t.displayTitle()
		queue[i] = t
	}

	var nowPlayingIndex *int
	var nowPlaying *Track
	if r.nowPlayingIndex != nil {
		idx := *r.nowPlayingIndex
		nowPlayingIndex = &idx
		t := queue[idx]
		nowPlaying = &t
	}

	memberIDs := make([]string, 0, len(r.members))
	for id := range r.members {
		memberIDs = append(memberIDs, id)
	}
	all, guests := partitionMembers(memberIDs, r.hostID)

	return Snapshot{
		RoomID:          r.id,
		HostID:          r.hostID,
		State:           r.state,
		Settings:        r.settings,
		Queue:           queue,
		NowPlayingIndex: nowPlayingIndex,
		NowPlaying:      nowPlaying,
		PositionMs:      r.currentPositionMsLocked(),
		IsPlaying:       r.state == StateActive,
		MemberSenderIDs: all,
		GuestSenderIDs:  guests,
		CreatedAt:       r.createdAt,
	}
}

func (r *Room) currentPositionMsLocked() int64 {
	if r.nowPlayingIndex == nil {
		return 0
	}
	if r.state == StateActive {
		return r.nowMillis() - r.startedAt
	}
	return r.pausedPositionMs
}

// --- End-of-track timer ---
//
// Scheduled iff ACTIVE and the current track's duration is known (spec.md
// §3 invariant 6). A generation counter guards against a timer that fires
// after it was already cancelled or superseded: Stop() on a Go timer cannot
// prevent a callback that has already been dispatched to a goroutine, so the
// callback re-checks its generation under the lock before acting — a fire
// that loses the race is a no-op, exactly as spec.md §5 requires.
func (r *Room) rescheduleTimer() {
	r.cancelTimer()

	if r.state != StateActive || r.nowPlayingIndex == nil {
		return
	}
	track := r.queue[*r.nowPlayingIndex]
	if track.DurationMs <= 0 {
		return
	}

	remaining := time.Duration(track.DurationMs)*time.Millisecond - time.Duration(r.currentPositionMsLocked())*time.Millisecond
	if remaining < 0 {
		remaining = 0
	}

	r.timerGen++
	gen := r.timerGen
	r.timer = time.AfterFunc(remaining, func() {
		r.fireEndOfTrack(gen)
	})
}

func (r *Room) cancelTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *Room) fireEndOfTrack(gen uint64) {
	r.mu.Lock()
	if gen != r.timerGen || r.state != StateActive {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.advance(r.hostID, 1)
}

// Terminate marks the room TERMINATED, cancels the scheduler, broadcasts
// room_closed, empties the member map, and returns the former member handles
// for the caller to close. It does not touch the registry — Registry.Delete
// removes the room from its map, calls this, and closes the returned handles.
func (r *Room) Terminate() []ClientHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateTerminated {
		return nil
	}
	r.state = StateTerminated
	r.cancelTimer()
	r.emit(EventRoomClosed, "", nil, "")

	handles := make([]ClientHandle, 0, len(r.members))
	for _, h := range r.members {
		handles = append(handles, h)
	}
	r.members = make(map[string]ClientHandle)
	return handles
}

// EmitHealthEvent lets the HealthMonitor publish an event through this
// room's sink (e.g. host_disconnected on an activity-staleness edge,
// room_expired right before deletion) using the same recipient-snapshot
// path every other event takes, without exposing the members map itself.
func (r *Room) EmitHealthEvent(eventType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emit(eventType, "", data, "")
}

// Touch records inbound activity from senderID without otherwise mutating
// state; used by the Gateway for heartbeat and system health_check frames.
func (r *Room) Touch(senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchActivity(senderID)
}
