package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/dto"
	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
)

func dialTestServer(t *testing.T, registry *Registry, origins []string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(NewServer(registry, origins).ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func readFrame(t *testing.T, conn *websocket.Conn) dto.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var f dto.Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := dto.NewFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestServeWS_SubscribeAndReceive(t *testing.T) {
	registry := NewRegistry(8)
	conn, _, err := dialTestServer(t, registry, nil, nil)
	require.NoError(t, err)
	defer conn.Close()

	connected := readFrame(t, conn)
	assert.Equal(t, dto.EventConnected, connected.Event)
	var hello struct {
		ClientID string `json:"clientId"`
	}
	require.NoError(t, json.Unmarshal(connected.Data, &hello))
	assert.NotEmpty(t, hello.ClientID)

	writeFrame(t, conn, dto.EventSubscribePages, dto.SubscribePagesRequest{PageIDs: []string{"PG1", " ", "PG1"}})
	ack := readFrame(t, conn)
	assert.Equal(t, dto.EventPagesSubscribed, ack.Event)
	assert.JSONEq(t, `{"pageIds":["PG1"]}`, string(ack.Data))

	assert.Equal(t, 0, registry.BroadcastToPage("PG2", domain.BroadcastMessage, "other"))
	assert.Equal(t, 1, registry.BroadcastToPage("PG1", domain.BroadcastMessage, map[string]string{"text": "hi"}))

	msg := readFrame(t, conn)
	assert.Equal(t, "new-message", msg.Event)
	assert.JSONEq(t, `{"text":"hi"}`, string(msg.Data))
}

func TestServeWS_PingAndErrors(t *testing.T) {
	registry := NewRegistry(8)
	conn, _, err := dialTestServer(t, registry, nil, nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)

	writeFrame(t, conn, dto.EventPing, map[string]any{})
	assert.Equal(t, dto.EventPong, readFrame(t, conn).Event)

	writeFrame(t, conn, "dance", nil)
	unknown := readFrame(t, conn)
	assert.Equal(t, dto.EventError, unknown.Event)
	assert.Contains(t, string(unknown.Data), "unknown_event")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	invalid := readFrame(t, conn)
	assert.Contains(t, string(invalid.Data), "invalid_frame")

	writeFrame(t, conn, dto.EventSubscribePages, map[string]any{"pageIds": "PG1"})
	badBody := readFrame(t, conn)
	assert.Contains(t, string(badBody.Data), "invalid_body")
}

func TestServeWS_DisconnectUnregisters(t *testing.T) {
	registry := NewRegistry(8)
	removed := make(chan string, 1)
	registry.OnRemove = func(id, reason string) { removed <- reason }

	conn, _, err := dialTestServer(t, registry, nil, nil)
	require.NoError(t, err)
	readFrame(t, conn)
	assert.Equal(t, 1, registry.Count())

	conn.Close()

	select {
	case reason := <-removed:
		assert.Contains(t, []string{ReasonDisconnect, ReasonWriteFailed}, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not removed")
	}
	assert.Equal(t, 0, registry.Count())
}

func TestServeWS_RejectsForeignOrigin(t *testing.T) {
	registry := NewRegistry(8)
	header := http.Header{"Origin": []string{"https://evil.example"}}

	_, resp, err := dialTestServer(t, registry, []string{"https://app.example"}, header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, registry.Count())
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, originChecker(nil)(req("https://any.example")))
	assert.True(t, originChecker([]string{"*"})(req("https://any.example")))

	check := originChecker([]string{"https://App.example"})
	assert.True(t, check(req("https://app.example")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("https://other.example")))
}
