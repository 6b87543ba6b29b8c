package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	err := svc.Ping(context.Background())
	assert.NoError(t, err)
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	sub := svc.Client().Subscribe(ctx, roomChannel(roomID))
	defer func() { _ = sub.Close() }()

	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"foo": "bar"}
	err := svc.Publish(ctx, roomID, "test-event", payload, "sender-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope PubSubPayload
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, roomID, envelope.RoomID)
	assert.Equal(t, "test-event", envelope.Event)
	assert.Equal(t, "sender-1", envelope.ExcludeSenderID)
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := "room-sub"
	wg := &sync.WaitGroup{}

	received := make(chan PubSubPayload, 1)
	handler := func(p PubSubPayload) {
		received <- p
	}

	svc.Subscribe(ctx, roomID, wg, handler)

	time.Sleep(50 * time.Millisecond)

	payload := PubSubPayload{
		RoomID:          roomID,
		Event:           "hello",
		ExcludeSenderID: "sender-2",
	}
	bytes, _ := json.Marshal(payload)
	svc.Client().Publish(ctx, roomChannel(roomID), bytes)

	select {
	case p := <-received:
		assert.Equal(t, "hello", p.Event)
		assert.Equal(t, "sender-2", p.ExcludeSenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)

	mr.Close()

	ctx := context.Background()

	err := svc.Ping(ctx)
	assert.Error(t, err)
}

func TestPublish_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	mr.Close()

	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, "room-1", "event", map[string]string{}, "sender")
	}

	err := svc.Publish(ctx, "room-1", "event", map[string]string{}, "sender")
	// Should not panic, may return nil (graceful degradation) or error
	_ = err
}

func TestNilServiceIsNoop(t *testing.T) {
	var svc *Service

	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.Publish(context.Background(), "room-1", "event", map[string]string{}, "sender"))
}
