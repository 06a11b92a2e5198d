package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubDeliversToWebsocketClient(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the dial; keep publishing until delivery.
	// Duplicates are fine, events are at-least-once hints.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				hub.Publish(ctx, Event{
					Type:   TypeIncidentOpened,
					SiteID: "clinic-west",
					IDs:    []string{"inc-42"},
				})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, TypeIncidentOpened, got.Type)
	assert.Equal(t, "clinic-west", got.SiteID)
	assert.Equal(t, []string{"inc-42"}, got.IDs)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub := NewHub(discardLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestPublishWithoutRunNeverBlocks(t *testing.T) {
	hub := NewHub(discardLogger(), nil)

	// Nothing drains broadcast; overflow must drop, not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			hub.Publish(context.Background(), Event{Type: TypeOrderStatus})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full broadcast queue")
	}
}

func TestEventJSONShape(t *testing.T) {
	// Omitted fields stay off the wire so clients can treat the
	// payload as a sparse hint.
	rawBare, err := json.Marshal(Event{Type: TypeApplianceCheckin})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"appliance_checkin"}`, string(rawBare))

	raw, err := json.Marshal(Event{Type: TypePatternPromoted, SiteID: "clinic-west", IDs: []string{"p1", "p2"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pattern_promoted","site_id":"clinic-west","ids":["p1","p2"]}`, string(raw))
}
