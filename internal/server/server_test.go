package server_test

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skyferry/fanetsim/internal/metrics"
	"github.com/skyferry/fanetsim/internal/server"
)

func noReport() metrics.Report { return metrics.Report{} }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWSSinkStreamsOnPathEvent(t *testing.T) {
	sink := server.NewWSSink(testLogger())
	mux := server.NewMux(testLogger(), prometheus.NewRegistry(), sink, noReport, "/stream", "/metrics")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the client before broadcasting.
	time.Sleep(20 * time.Millisecond)
	sink.OnPath([]int{0, 1, 2}, time.Unix(5, 0))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got["kind"] != "path" {
		t.Errorf("kind = %v, want path", got["kind"])
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := server.NewWSSink(testLogger())
	mux := server.NewMux(testLogger(), reg, sink, noReport, "/stream", "/metrics")
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestOnNeighborChangeDoesNotBlockWithNoClients(t *testing.T) {
	sink := server.NewWSSink(testLogger())
	done := make(chan struct{})
	go func() {
		sink.OnNeighborChange(1, 2, true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnNeighborChange blocked with no clients connected")
	}
}
