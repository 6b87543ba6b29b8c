package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies no goroutine escapes a test — in particular the
// end-of-track timer's time.AfterFunc callback goroutine, which must not
// outlive Terminate.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandle struct {
	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func (f *fakeHandle) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeHandle) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func (s *recordingSink) countType(t string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestRoom() (*Room, *recordingSink) {
	sink := &recordingSink{}
	r := New("R1", "host-1", sink)
	return r, sink
}

func TestAttachMember_HostGrantedRegardlessOfClaim(t *testing.T) {
	r, sink := newTestRoom()
	h := &fakeHandle{}

	res := r.AttachMember("host-1", h, false, 10*time.Minute)
	require.True(t, res.OK)
	assert.Equal(t, StateActive, r.State())
	assert.Equal(t, EventHostConnected, sink.last().Type)
}

func TestAttachMember_GuestSucceedsWhileHostConnected(t *testing.T) {
	r, _ := newTestRoom()
	r.AttachMember("host-1", &fakeHandle{}, false, 10*time.Minute)

	res := r.AttachMember("guest-1", &fakeHandle{}, false, 10*time.Minute)
	assert.True(t, res.OK)
}

func TestAttachMember_GuestRejectedAfterHostTimeoutExceeded(t *testing.T) {
	r, _ := newTestRoom()
	r.now = func() time.Time { return time.Unix(0, 0) }
	r.AttachMember("host-1", &fakeHandle{}, false, 10*time.Minute)
	r.DetachMember(r.members["host-1"])

	r.now = func() time.Time { return time.Unix(0, 0).Add(11 * time.Minute) }
	res := r.AttachMember("guest-1", &fakeHandle{}, false, 10*time.Minute)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonJoinFailed, res.Reason)
}

func TestAttachMember_DisplacesPriorHandleForSameSender(t *testing.T) {
	r, _ := newTestRoom()
	old := &fakeHandle{}
	r.AttachMember("host-1", old, true, 10*time.Minute)

	newer := &fakeHandle{}
	res := r.AttachMember("host-1", newer, true, 10*time.Minute)
	require.True(t, res.OK)
	assert.True(t, old.closed)
	assert.False(t, newer.closed)
}

func TestDetachMember_HostDrop(t *testing.T) {
	r, sink := newTestRoom()
	h := &fakeHandle{}
	r.AttachMember("host-1", h, true, 10*time.Minute)

	removed := r.DetachMember(h)
	assert.True(t, removed)
	assert.Equal(t, StateHostDisconnected, r.State())
	assert.Equal(t, EventHostDisconnected, sink.last().Type)
}

func TestPlayRequiresControlPermission(t *testing.T) {
	r, _ := newTestRoom()
	r.UpdateSettings("host-1", boolPtr(false), nil)
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 1000})

	res := r.Play("guest-1", nil, nil)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNotAuthorized, res.Reason)
}

func TestPlayPauseRoundTripPreservesPosition(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 180000})

	var clock time.Time = time.Unix(1000, 0)
	r.now = func() time.Time { return clock }

	idx := 0
	require.True(t, r.Play("host-1", &idx, nil).OK)

	clock = clock.Add(5 * time.Second)
	require.True(t, r.Pause("host-1").OK)
	assert.Equal(t, int64(5000), r.Snapshot().PositionMs)

	pos := int64(5000)
	require.True(t, r.Play("host-1", nil, &pos).OK)
	assert.Equal(t, int64(5000), r.Snapshot().PositionMs)
}

func TestNextPastEndEmitsPlaylistEnded(t *testing.T) {
	r, sink := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 1000})
	idx := 0
	r.Play("host-1", &idx, nil)

	res := r.Next("host-1")
	assert.False(t, res.OK)
	assert.Equal(t, EventPlaylistEnded, sink.last().Type)
	assert.Nil(t, r.Snapshot().NowPlayingIndex)
}

func TestPreviousBeforeFirstTrackFails(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 1000})
	idx := 0
	r.Play("host-1", &idx, nil)

	res := r.Previous("host-1")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonActionFailed, res.Reason)
}

func TestSeekBounds(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 180000})
	idx := 0
	r.Play("host-1", &idx, nil)

	assert.True(t, r.Seek("host-1", 180000).OK)
	assert.False(t, r.Seek("host-1", 180001).OK)
	assert.False(t, r.Seek("host-1", -1).OK)
}

func TestAddThenRemoveLastReturnsQueueToPriorState(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1"})
	before := r.Snapshot().Queue

	r.AddTrack("host-1", Track{TrackID: "t2"})
	res := r.RemoveTrack("host-1", 1)
	require.True(t, res.OK)

	assert.Equal(t, before, r.Snapshot().Queue)
}

func TestMoveTrackTwiceIsIdentity(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1"})
	r.AddTrack("host-1", Track{TrackID: "t2"})
	r.AddTrack("host-1", Track{TrackID: "t3"})
	before := r.Snapshot().Queue

	require.True(t, r.MoveTrack("host-1", 0, 2).OK)
	require.True(t, r.MoveTrack("host-1", 2, 0).OK)

	assert.Equal(t, before, r.Snapshot().Queue)
}

func TestRemoveNowPlayingClearsPlaybackWithoutPlaylistEnded(t *testing.T) {
	r, sink := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 1000})
	idx := 0
	r.Play("host-1", &idx, nil)

	res := r.RemoveTrack("host-1", 0)
	require.True(t, res.OK)
	assert.Nil(t, r.Snapshot().NowPlayingIndex)
	assert.Equal(t, 0, sink.countType(EventPlaylistEnded))
}

func TestReplaceQueueThenSnapshotMatches(t *testing.T) {
	r, _ := newTestRoom()
	tracks := []Track{{TrackID: "a"}, {TrackID: "b"}}

	res := r.ReplaceQueue("host-1", tracks)
	require.True(t, res.OK)

	snap := r.Snapshot()
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, "a", snap.Queue[0].TrackID)
	assert.Equal(t, "b", snap.Queue[1].TrackID)
}

func TestClearQueueHostOnly(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1"})

	res := r.ClearQueue("guest-1")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNotAuthorized, res.Reason)

	res = r.ClearQueue("host-1")
	assert.True(t, res.OK)
	assert.Empty(t, r.Snapshot().Queue)
}

func TestTwoSuccessiveAuthFramesSamePostState(t *testing.T) {
	r, _ := newTestRoom()
	h1 := &fakeHandle{}
	r.AttachMember("guest-1", h1, false, 10*time.Minute)
	first := r.Snapshot()

	h2 := &fakeHandle{}
	r.AttachMember("guest-1", h2, false, 10*time.Minute)
	second := r.Snapshot()

	assert.Equal(t, len(first.MemberSenderIDs), len(second.MemberSenderIDs))
	assert.True(t, h1.closed)
}

func TestEndOfTrackTimerAdvancesAutomatically(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 20})
	r.AddTrack("host-1", Track{TrackID: "t2", DurationMs: 0})
	idx := 0
	require.True(t, r.Play("host-1", &idx, nil).OK)

	assert.Eventually(t, func() bool {
		snap := r.Snapshot()
		return snap.NowPlayingIndex != nil && *snap.NowPlayingIndex == 1
	}, time.Second, time.Millisecond)
}

func TestTimerNotScheduledWhenDurationUnknown(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 0})
	idx := 0
	r.Play("host-1", &idx, nil)

	r.mu.Lock()
	timerNil := r.timer == nil
	r.mu.Unlock()
	assert.True(t, timerNil)
}

func TestTerminateReturnsAllMembersAndIsIdempotent(t *testing.T) {
	r, sink := newTestRoom()
	h1 := &fakeHandle{}
	h2 := &fakeHandle{}
	r.AttachMember("host-1", h1, true, 10*time.Minute)
	r.AttachMember("guest-1", h2, false, 10*time.Minute)

	handles := r.Terminate()
	assert.Len(t, handles, 2)
	assert.Equal(t, EventRoomClosed, sink.last().Type)

	again := r.Terminate()
	assert.Nil(t, again)
}

func TestFailedSequenceLeavesStateUnchanged(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", DurationMs: 1000})
	r.UpdateSettings("host-1", boolPtr(false), boolPtr(false))
	before := r.Snapshot()

	r.Play("guest-999", nil, nil)
	r.Seek("host-1", -5)
	r.RemoveTrack("host-1", 99)
	r.AddTrack("guest-999", Track{TrackID: "t2"})

	after := r.Snapshot()
	assert.Equal(t, before.Queue, after.Queue)
	assert.Equal(t, before.NowPlayingIndex, after.NowPlayingIndex)
}

func boolPtr(b bool) *bool { return &b }

func TestSnapshotDisplaysUnknownTrackForEmptyTitle(t *testing.T) {
	r, _ := newTestRoom()
	r.AddTrack("host-1", Track{TrackID: "t1", Title: ""})
	r.AddTrack("host-1", Track{TrackID: "t2", Title: "Real Title"})
	idx := 0
	r.Play("host-1", &idx, nil)

	snap := r.Snapshot()
	assert.Equal(t, "Unknown Track", snap.Queue[0].Title)
	assert.Equal(t, "Real Title", snap.Queue[1].Title)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "Unknown Track", snap.NowPlaying.Title)
}

func TestReplaceQueueEmitsPlaylistSync(t *testing.T) {
	r, sink := newTestRoom()
	res := r.ReplaceQueue("host-1", []Track{{TrackID: "t1", Title: "A"}})
	require.True(t, res.OK)

	ev := sink.last()
	assert.Equal(t, EventPlaylistSync, ev.Type)
	assert.Equal(t, "", ev.SubType)
}
