package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type capture struct {
	mu      sync.Mutex
	paths   []string
	bodies  []map[string]any
	status  int
}

func (c *capture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	c.mu.Lock()
	c.paths = append(c.paths, r.URL.Path)
	c.bodies = append(c.bodies, body)
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func TestClientPostLog(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap)
	defer srv.Close()

	c := NewClient(0, WithBaseURL(srv.URL))
	err := c.PostLog(context.Background(), LogEntry{
		MessageType: "Info",
		Action:      "start",
		Message:     "worker up",
	})
	require.NoError(t, err)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Equal(t, []string{"/logs"}, cap.paths)
	require.Equal(t, "Info", cap.bodies[0]["message_type"])
	require.Equal(t, "start", cap.bodies[0]["action"])
	require.Equal(t, "worker up", cap.bodies[0]["message"])
}

func TestClientPostRejectedStatus(t *testing.T) {
	cap := &capture{status: http.StatusBadGateway}
	srv := httptest.NewServer(cap)
	defer srv.Close()

	c := NewClient(0, WithBaseURL(srv.URL))
	err := c.PostMetrics(context.Background(), MetricsEntry{FunctionName: "f"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}

func TestBridgeFlushSkipsZeroCounters(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap)
	defer srv.Close()

	b := NewBridge(NewClient(0, WithBaseURL(srv.URL)), "flow", nil, nil)
	b.flush(context.Background())

	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Empty(t, cap.paths)
}

func TestBridgeFlushPostsAndResets(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap)
	defer srv.Close()

	b := NewBridge(NewClient(0, WithBaseURL(srv.URL)), "flow-orders", nil, nil)
	b.IncCounter(CounterIn, 3)
	b.IncCounter(CounterOut, 2)
	b.IncCounter(CounterBytes, 1024)
	b.IncCounter("gateway.request.duration", 1) // ignored by the bridge

	b.flush(context.Background())

	cap.mu.Lock()
	require.Equal(t, []string{"/metrics-logs"}, cap.paths)
	body := cap.bodies[0]
	cap.mu.Unlock()
	require.Equal(t, float64(3), body["count_in"])
	require.Equal(t, float64(2), body["count_out"])
	require.Equal(t, float64(1024), body["bytes"])
	require.Equal(t, "flow-orders", body["function_name"])
	require.NotEmpty(t, body["timestamp"])

	// Counters reset after a flush: a second flush posts nothing.
	b.flush(context.Background())
	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Len(t, cap.paths, 1)
}
