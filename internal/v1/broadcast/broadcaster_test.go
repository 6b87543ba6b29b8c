package broadcast

import (
	"encoding/json"
	"testing"

	"github.com/syncroom/engine/internal/v1/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	sent [][]byte
	err  error
}

func (f *fakeHandle) Send(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeHandle) Close() error { return nil }
func (f *fakeHandle) IsOpen() bool { return true }

func decode(t *testing.T, b []byte) wireEnvelope {
	t.Helper()
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(b, &env))
	return env
}

func TestEmit_ExcludesOriginatorForNonPlaybackEvents(t *testing.T) {
	b := New(nil)
	origin := &fakeHandle{}
	other := &fakeHandle{}

	b.Emit(room.Event{
		RoomID:          "R1",
		Type:            room.EventUserJoined,
		ExcludeSenderID: "sender-1",
		Recipients: map[string]room.ClientHandle{
			"sender-1": origin,
			"sender-2": other,
		},
	})

	assert.Empty(t, origin.sent)
	require.Len(t, other.sent, 1)
}

func TestEmit_PlaybackAlwaysIncludesOriginator(t *testing.T) {
	b := New(nil)
	origin := &fakeHandle{}

	b.Emit(room.Event{
		RoomID:          "R1",
		Type:            room.EventTypePlayback,
		ExcludeSenderID: "sender-1",
		Recipients: map[string]room.ClientHandle{
			"sender-1": origin,
		},
	})

	require.Len(t, origin.sent, 1)
	env := decode(t, origin.sent[0])
	assert.Equal(t, room.EventTypePlayback, env.Type)
}

func TestEmit_BestEffortDeliveryDoesNotAbortOnOneFailure(t *testing.T) {
	b := New(nil)
	failing := &fakeHandle{err: assertErr{}}
	healthy := &fakeHandle{}

	b.Emit(room.Event{
		RoomID: "R1",
		Type:   room.EventRoomSettingsUpdated,
		Recipients: map[string]room.ClientHandle{
			"a": failing,
			"b": healthy,
		},
	})

	assert.Len(t, healthy.sent, 1)
}

type assertErr struct{}

func (assertErr) Error() string { return "send failed" }

func TestSendAck_CarriesCorrelationID(t *testing.T) {
	b := New(nil)
	h := &fakeHandle{}

	err := b.SendAck(h, "corr-123", room.Result{OK: false, Reason: room.ReasonActionFailed})
	require.NoError(t, err)
	require.Len(t, h.sent, 1)

	env := decode(t, h.sent[0])
	assert.Equal(t, "ack", env.Type)
	assert.Equal(t, "corr-123", env.Data["correlationId"])
	assert.Equal(t, false, env.Data["success"])
	assert.Equal(t, room.ReasonActionFailed, env.Data["reason"])
}

func TestSendFullState(t *testing.T) {
	b := New(nil)
	h := &fakeHandle{}

	snap := room.Snapshot{RoomID: "R1", HostID: "host-1"}
	err := b.SendFullState(h, snap)
	require.NoError(t, err)
	require.Len(t, h.sent, 1)

	env := decode(t, h.sent[0])
	assert.Equal(t, "full_state", env.Type)
}
