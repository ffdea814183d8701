// Package server exposes the simulation's observation stream over a
// websocket endpoint and its Prometheus metrics over an HTTP endpoint.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skyferry/fanetsim/internal/mac"
	"github.com/skyferry/fanetsim/internal/metrics"
	"github.com/skyferry/fanetsim/internal/routing"
)

// eventKind tags the wire shape of a WSSink message.
type eventKind string

const (
	eventPath            eventKind = "path"
	eventNeighborChange  eventKind = "neighbor_change"
	eventSnapshot        eventKind = "snapshot"
)

// event is the JSON envelope pushed to every connected websocket client.
type event struct {
	Kind eventKind `json:"kind"`

	Path []int     `json:"path,omitempty"`
	At   time.Time `json:"at,omitempty"`

	NodeID     int  `json:"node_id,omitempty"`
	NeighborID int  `json:"neighbor_id,omitempty"`
	Added      bool `json:"added,omitempty"`

	Positions    map[int]mac.Position          `json:"positions,omitempty"`
	NeighborSets map[int][]int                 `json:"neighbor_sets,omitempty"`
	Tables       map[int]map[int]routing.Entry  `json:"tables,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientBuf is how many pending events a slow client tolerates before
// further events are dropped for it; the sink must never block on a
// slow consumer.
const clientBuf = 64

// WSSink implements sink.Sink by fanning every observation out to every
// connected websocket client. A full client buffer drops the event for
// that client rather than blocking the caller.
type WSSink struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[chan event]struct{}
}

// NewWSSink creates a WSSink with no clients connected yet.
func NewWSSink(log *slog.Logger) *WSSink {
	return &WSSink{
		log:     log.With(slog.String("component", "server")),
		clients: make(map[chan event]struct{}),
	}
}

func (s *WSSink) broadcast(e event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
			s.log.Warn("dropping event for slow websocket client", slog.String("kind", string(e.Kind)))
		}
	}
}

// OnPath implements sink.Sink.
func (s *WSSink) OnPath(path []int, now time.Time) {
	s.broadcast(event{Kind: eventPath, Path: path, At: now})
}

// OnNeighborChange implements sink.Sink.
func (s *WSSink) OnNeighborChange(nodeID, neighborID int, added bool) {
	s.broadcast(event{Kind: eventNeighborChange, NodeID: nodeID, NeighborID: neighborID, Added: added})
}

// OnSnapshot implements sink.Sink.
func (s *WSSink) OnSnapshot(now time.Time, positions map[int]mac.Position, neighborSets map[int][]int, tables map[int]map[int]routing.Entry) {
	s.broadcast(event{Kind: eventSnapshot, At: now, Positions: positions, NeighborSets: neighborSets, Tables: tables})
}

// HandleWS upgrades the request to a websocket and streams events to it
// until the client disconnects or the request context is cancelled.
func (s *WSSink) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ch := make(chan event, clientBuf)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, ch)
		s.mu.Unlock()
	}()

	// A reader goroutine is required so gorilla/websocket processes
	// control frames (ping/close) and we notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

// ReportPath is the fixed path serving the metrics report computed from
// the collector's current totals as JSON, consumed by fanetsimctl's
// report command.
const ReportPath = "/report"

// reportHandler serves the most recent Report from getReport as JSON.
func reportHandler(getReport func() metrics.Report) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(getReport()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// NewMux builds the HTTP mux serving the websocket stream at streamPath,
// Prometheus metrics at metricsPath, and the current report at
// ReportPath, wrapped with the same logging+recovery middleware shape the
// teacher's interceptors used for RPC handlers.
func NewMux(log *slog.Logger, reg *prometheus.Registry, wsSink *WSSink, getReport func() metrics.Report, streamPath, metricsPath string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(streamPath, withMiddleware(log, http.HandlerFunc(wsSink.HandleWS)))
	mux.Handle(metricsPath, withMiddleware(log, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	mux.Handle(ReportPath, withMiddleware(log, reportHandler(getReport)))
	return mux
}
