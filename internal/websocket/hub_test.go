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

	"github.com/LabKey/platform-sub050/internal/operations"
)

func startHub(t *testing.T, origins ...string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	hub.Start()
	srv := httptest.NewServer(Handler(hub, origins))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestHubBroadcastsJobUpdates(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv, "")
	msg := readMessage(t, conn)
	assert.Equal(t, TypeConnection, msg.Type)
	waitForClients(t, hub, 1)

	hub.BroadcastJob(&operations.Job{
		ID:          "job-1",
		ContainerID: "home",
		Status:      operations.JobStatusRunning,
		Metadata:    map[string]interface{}{"trace_id": "trace-1"},
	})

	msg = readMessage(t, conn)
	assert.Equal(t, TypeJobStatus, msg.Type)
	assert.Equal(t, "trace-1", msg.TraceID)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "job-1", data["id"])
	assert.Equal(t, "running", data["status"])
}

func TestHubFiltersByContainer(t *testing.T) {
	hub, srv := startHub(t)

	home := dial(t, srv, "?container=home")
	other := dial(t, srv, "?container=other")
	readMessage(t, home)
	readMessage(t, other)
	waitForClients(t, hub, 2)

	hub.BroadcastJob(&operations.Job{ID: "job-home", ContainerID: "home", Status: operations.JobStatusPending})
	hub.BroadcastJob(&operations.Job{ID: "job-other", ContainerID: "other", Status: operations.JobStatusPending})

	msg := readMessage(t, home)
	assert.Equal(t, "job-home", msg.Data.(map[string]interface{})["id"])
	msg = readMessage(t, other)
	assert.Equal(t, "job-other", msg.Data.(map[string]interface{})["id"])
}

func TestHubUnregistersClosedClients(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv, "")
	readMessage(t, conn)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, hub, 0)
}

func TestHubStop(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	srv := httptest.NewServer(Handler(hub, nil))
	defer srv.Close()

	conn := dial(t, srv, "")
	readMessage(t, conn)
	waitForClients(t, hub, 1)

	hub.Stop()
	assert.Equal(t, 0, hub.ClientCount())

	// the server closes the stream
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// updates after stop are dropped without blocking
	hub.BroadcastJob(&operations.Job{ID: "late"})
	hub.Stop()
}

func TestOriginCheck(t *testing.T) {
	_, srv := startHub(t, "https://labkey.example.org")
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://labkey.example.org"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
