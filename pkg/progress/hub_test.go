package progress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/searchsampler/pkg/sampler"
)

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(nil)
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_ObserveBroadcastsWindowEvents(t *testing.T) {
	hub, conn := startHub(t)

	hub.Observe(sampler.Event{RunID: "run-1", Window: 4, Windows: 9, Start: "2014-01-15", End: "2014-02-04", Error: "deadline exceeded"})

	msg := readMessage(t, conn)
	assert.Equal(t, TypeWindow, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "run-1", msg.Event.RunID)
	assert.Equal(t, 4, msg.Event.Window)
	assert.False(t, msg.Event.OK)
}

func TestHub_FinishedCarriesReport(t *testing.T) {
	hub, conn := startHub(t)

	hub.Finished(&sampler.Report{RunID: "run-2", Windows: 9, Failed: 1, Rows: 18}, errors.New("partial"))

	msg := readMessage(t, conn)
	assert.Equal(t, TypeDone, msg.Type)
	require.NotNil(t, msg.Report)
	assert.Equal(t, 18, msg.Report.Rows)
	assert.Equal(t, "partial", msg.Error)
}

func TestHub_SubscriberDisconnect(t *testing.T) {
	hub, conn := startHub(t)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < 1000; i++ {
		hub.Observe(sampler.Event{Window: i})
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestHub_SubscribersAfterShutdownDoNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	// nobody drains the channels any more
	for len(hub.register) < cap(hub.register) {
		hub.register <- nil
	}
	for len(hub.unregister) < cap(hub.unregister) {
		hub.unregister <- nil
	}

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should close the connection, not leave it hanging")
	}
}
