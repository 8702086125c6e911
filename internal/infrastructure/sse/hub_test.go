package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
)

func TestBroadcastHonoursFilters(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	all := NewClient("all", nil)
	balances := NewClient("balances", []string{protocol.MethodBalanceUpdate})
	hub.Register(all)
	hub.Register(balances)

	n := hub.Broadcast(NewMessage(protocol.MethodAppSessionUpdate, json.RawMessage(`{}`)))
	assert.Equal(t, 1, n)
	n = hub.Broadcast(NewMessage(protocol.MethodBalanceUpdate, json.RawMessage(`{}`)))
	assert.Equal(t, 2, n)

	assert.Len(t, all.MessageChan, 2)
	assert.Len(t, balances.MessageChan, 1)
}

func TestFullClientDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient("slow", nil)
	hub.Register(c)

	for i := 0; i < cap(c.MessageChan); i++ {
		require.NoError(t, hub.SendToClient("slow", NewMessage("bu", nil)))
	}
	assert.Zero(t, hub.Broadcast(NewMessage("bu", nil)))
	require.ErrorIs(t, hub.SendToClient("slow", NewMessage("bu", nil)), ErrChannelFull)
	require.ErrorIs(t, hub.SendToClient("missing", NewMessage("bu", nil)), ErrClientNotFound)
}

func TestRegisterReplacesAndUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	first := NewClient("dup", nil)
	second := NewClient("dup", nil)
	hub.Register(first)
	hub.Register(second)

	_, open := <-first.MessageChan
	assert.False(t, open)
	assert.Equal(t, 1, hub.GetClientCount())

	// The stale handle must not evict its replacement.
	hub.Unregister(first)
	assert.Equal(t, 1, hub.GetClientCount())

	hub.Unregister(second)
	hub.Unregister(second)
	assert.Zero(t, hub.GetClientCount())
}

func TestPumpForwardsNotifications(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient("watcher", nil)
	hub.Register(c)

	source := make(chan protocol.Notification, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		hub.Pump(ctx, source)
		close(done)
	}()

	source <- protocol.Notification{
		Method:     protocol.MethodAppSessionUpdate,
		Params:     json.RawMessage(`[{"app_session_id":"0xabc","status":"closed"}]`),
		ReceivedAt: time.Now(),
	}

	select {
	case msg := <-c.MessageChan:
		assert.Equal(t, protocol.MethodAppSessionUpdate, msg.Event)
		assert.Contains(t, string(msg.Data), "0xabc")
	case <-time.After(time.Second):
		t.Fatal("notification not forwarded")
	}

	close(source)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop when source closed")
	}
}
