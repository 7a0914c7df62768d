package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkPriceStreamReceivesUpdates(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"MP","data":{"m":"ETH-USD","p":"3300.5"},"ts":1,"seq":1}`))
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewMarkPriceStream("ws"+strings.TrimPrefix(srv.URL, "http"), time.Minute, zerolog.Nop())
	updates := make(chan MarkPrice, 4)
	s.OnUpdate(func(mp MarkPrice) { updates <- mp })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case mp := <-updates:
		assert.Equal(t, "ETH-USD", mp.Market)
		assert.InDelta(t, 3300.5, mp.Price, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
	px, ok := s.Mark("ETH-USD")
	require.True(t, ok)
	assert.InDelta(t, 3300.5, px, 1e-9)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestMarkPriceStreamStaleness(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	s := NewMarkPriceStream("ws://unused", 5*time.Second, zerolog.Nop())
	s.now = func() time.Time { return now }

	require.NoError(t, s.handle([]byte(`{"type":"MP","data":{"m":"SOL-USD","p":180.25,"ts":1700000000000}}`)))
	px, ok := s.Mark("SOL-USD")
	require.True(t, ok)
	assert.InDelta(t, 180.25, px, 1e-9)

	// older updates never replace newer ones
	require.NoError(t, s.handle([]byte(`{"type":"MP","data":{"m":"SOL-USD","p":"170","ts":1699999999000}}`)))
	px, _ = s.Mark("SOL-USD")
	assert.InDelta(t, 180.25, px, 1e-9)

	now = now.Add(6 * time.Second)
	_, ok = s.Mark("SOL-USD")
	assert.False(t, ok)

	_, ok = s.Mark("BTC-USD")
	assert.False(t, ok)
}

func TestMarkPriceStreamRejectsInvalid(t *testing.T) {
	t.Parallel()
	s := NewMarkPriceStream("ws://unused", 0, zerolog.Nop())
	assert.Error(t, s.handle([]byte(`{"type":"MP"}`)))
	assert.Error(t, s.handle([]byte(`{"type":"MP","data":{"m":"ETH-USD","p":"0"}}`)))
	assert.Error(t, s.handle([]byte(`{"type":"MP","data":{"p":"10"}}`)))
}
