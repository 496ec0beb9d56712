package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subnetvalidator/pkg/logging"
)

var upgrader = websocket.Upgrader{}

func newEchoPriceServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		// keep the connection open until the client disconnects so Stop()
		// exercises a real close instead of racing an already-dead socket.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestLiveTail_CachesPriceFromFeed(t *testing.T) {
	srv := newEchoPriceServer(t, `{"pool":"pool1","block":100,"sqrt_price_x96":"7922816251426433759354395033"}`)

	tail := NewLiveTail(wsURL(srv.URL), logging.NewLogger(logging.InfoLevel, nil))
	tail.Start(context.Background())
	defer tail.Stop()

	require.Eventually(t, func() bool {
		_, ok := tail.LatestPrice("pool1")
		return ok
	}, time.Second, 10*time.Millisecond)

	price, ok := tail.LatestPrice("pool1")
	require.True(t, ok)
	assert.Equal(t, "7922816251426433759354395033", price.String())
}

func TestLiveTail_LatestPrice_UnknownPoolMisses(t *testing.T) {
	tail := NewLiveTail("ws://127.0.0.1:0", logging.NewLogger(logging.InfoLevel, nil))
	_, ok := tail.LatestPrice("never-seen")
	assert.False(t, ok)
}
