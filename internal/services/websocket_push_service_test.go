package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"echo-vault/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferEvent(n int, from string, status models.TransferStatus) *models.TransferEvent {
	rec := models.NewTransferRecord(txHash(n).Hex(), from, big.NewInt(1000), 10, time.Now())
	rec.Status = status
	return &models.TransferEvent{ID: "evt-" + string(status), Type: string(status), Record: rec, Timestamp: time.Now().Unix()}
}

func TestWebSocketPush_FiltersBySender(t *testing.T) {
	push := NewWebSocketPushService(quietLogger())
	all := NewConnection(nil, "")
	onlyA := NewConnection(nil, " "+senderA.Hex()+" ")
	onlyB := NewConnection(nil, senderB.Hex())
	assert.Equal(t, strings.ToLower(senderA.Hex()), onlyA.Sender)
	push.Register(all)
	push.Register(onlyA)
	push.Register(onlyB)
	require.Equal(t, 3, push.ConnectionCount())

	require.NoError(t, push.PublishTransferEvent(context.Background(), transferEvent(1, senderA.Hex(), models.TransferStatusReceived)))

	assert.Len(t, all.Send, 1)
	assert.Len(t, onlyA.Send, 1)
	assert.Len(t, onlyB.Send, 0)

	var msg PushMessage
	require.NoError(t, json.Unmarshal(<-all.Send, &msg))
	assert.Equal(t, "transfer_update", msg.Type)
	assert.Equal(t, "evt-received", msg.MessageID)
}

func TestWebSocketPush_FullBufferDropsWithoutBlocking(t *testing.T) {
	push := NewWebSocketPushService(quietLogger())
	conn := NewConnection(nil, "")
	push.Register(conn)

	for i := 0; i < wsSendBuffer+10; i++ {
		require.NoError(t, push.PublishTransferEvent(context.Background(), transferEvent(i, senderA.Hex(), models.TransferStatusReceived)))
	}

	assert.Len(t, conn.Send, wsSendBuffer)
}

func TestWebSocketPush_UnregisterIsIdempotent(t *testing.T) {
	push := NewWebSocketPushService(quietLogger())
	conn := NewConnection(nil, "")
	push.Register(conn)

	push.Unregister(conn)
	assert.NotPanics(t, func() { push.Unregister(conn) })
	assert.Zero(t, push.ConnectionCount())

	_, open := <-conn.Send
	assert.False(t, open)
}

func TestWebSocketPush_ServeDeliversEvents(t *testing.T) {
	push := NewWebSocketPushService(quietLogger())
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		push.Serve(NewConnection(ws, r.URL.Query().Get("from")))
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?from=" + senderA.Hex()
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return push.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
	bus := NewTransferEventBus(quietLogger(), push)
	rec := models.NewTransferRecord(txHash(9).Hex(), senderA.Hex(), big.NewInt(5), 12, time.Now())
	bus.Publish(context.Background(), rec)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Type string               `json:"type"`
		Data models.TransferEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "transfer_update", msg.Type)
	assert.Equal(t, "received", msg.Data.Type)
	assert.Equal(t, txHash(9).Hex(), msg.Data.Record.IncomingHash)

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return push.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type failingSink struct{ calls int }

func (f *failingSink) PublishTransferEvent(ctx context.Context, event *models.TransferEvent) error {
	f.calls++
	return errors.New("nats: connection closed")
}

func TestTransferEventBus_FailingSinkDoesNotStopOthers(t *testing.T) {
	failing := &failingSink{}
	recording := &recordingPublisher{}
	bus := NewTransferEventBus(quietLogger(), failing, nil)
	bus.AddSink(recording)
	bus.AddSink(nil)

	rec := models.NewTransferRecord(txHash(1).Hex(), senderA.Hex(), big.NewInt(5), 12, time.Now())
	bus.Publish(context.Background(), rec)

	assert.Equal(t, 1, failing.calls)
	require.Len(t, recording.events, 1)
	event := recording.events[0]
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "received", event.Type)

	// the event carries a copy
	rec.Status = models.TransferStatusSuccess
	assert.Equal(t, models.TransferStatusReceived, event.Record.Status)
}

func TestTransferEventBus_NilBusIsNoop(t *testing.T) {
	var bus *TransferEventBus
	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), models.NewTransferRecord(txHash(1).Hex(), senderA.Hex(), big.NewInt(1), 1, time.Now()))
	})
}
