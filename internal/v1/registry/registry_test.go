package registry

import (
	"testing"

	"github.com/syncroom/engine/internal/v1/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullSink struct{}

func (nullSink) Emit(room.Event) {}

type fakeHandle struct{ closed bool }

func (f *fakeHandle) Send([]byte) error { return nil }
func (f *fakeHandle) Close() error      { f.closed = true; return nil }
func (f *fakeHandle) IsOpen() bool      { return !f.closed }

func TestCreate_RejectsEmptyID(t *testing.T) {
	reg := New(nullSink{})
	_, err := reg.Create("", "host-1")
	require.Error(t, err)
	assert.Equal(t, ReasonInvalidID, err.(*Error).Reason)
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	reg := New(nullSink{})
	_, err := reg.Create("R1", "host-1")
	require.NoError(t, err)

	_, err = reg.Create("R1", "host-2")
	require.Error(t, err)
	assert.Equal(t, ReasonRoomExists, err.(*Error).Reason)
}

func TestGetExists(t *testing.T) {
	reg := New(nullSink{})
	reg.Create("R1", "host-1")

	r, ok := reg.Get("R1")
	assert.True(t, ok)
	assert.Equal(t, "host-1", r.HostID())
	assert.True(t, reg.Exists("R1"))
	assert.False(t, reg.Exists("missing"))
}

func TestDelete_RequiresHostOrHealthSystem(t *testing.T) {
	reg := New(nullSink{})
	reg.Create("R1", "host-1")

	err := reg.Delete("R1", "guest-1")
	require.Error(t, err)
	assert.True(t, reg.Exists("R1"))

	err = reg.Delete("R1", "host-1")
	require.NoError(t, err)
	assert.False(t, reg.Exists("R1"))
}

func TestDelete_HealthSystemCanAlwaysDelete(t *testing.T) {
	reg := New(nullSink{})
	reg.Create("R1", "host-1")

	err := reg.Delete("R1", room.HealthSystemPrincipal)
	require.NoError(t, err)
	assert.False(t, reg.Exists("R1"))
}

func TestDelete_ClosesAllMemberHandles(t *testing.T) {
	reg := New(nullSink{})
	r, _ := reg.Create("R1", "host-1")
	h := &fakeHandle{}
	r.AttachMember("host-1", h, true, 0)

	require.NoError(t, reg.Delete("R1", "host-1"))
	assert.True(t, h.closed)
}

func TestDelete_IdempotentOnAlreadyRemoved(t *testing.T) {
	reg := New(nullSink{})
	reg.Create("R1", "host-1")
	require.NoError(t, reg.Delete("R1", "host-1"))
	require.NoError(t, reg.Delete("R1", "host-1"))
}

func TestIterSnapshotIsDefensiveCopy(t *testing.T) {
	reg := New(nullSink{})
	reg.Create("R1", "host-1")
	reg.Create("R2", "host-2")

	rooms := reg.IterSnapshot()
	assert.Len(t, rooms, 2)

	reg.Create("R3", "host-3")
	assert.Len(t, rooms, 2)
	assert.Equal(t, 3, reg.Count())
}
