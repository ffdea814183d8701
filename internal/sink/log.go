package sink

import (
	"log/slog"
	"time"

	"github.com/skyferry/fanetsim/internal/mac"
	"github.com/skyferry/fanetsim/internal/routing"
)

// LogSink renders observations as structured log lines through one
// *slog.Logger carried explicitly rather than a package-level global.
type LogSink struct {
	log           *slog.Logger
	logDVSnapshot bool
}

// NewLogSink builds a Sink that logs through log. logDVSnapshot controls
// whether OnSnapshot also logs neighbor sets and full routing tables
// (verbose; matches the `log_dv_changes` config toggle) or just the
// snapshot time and node count.
func NewLogSink(log *slog.Logger, logDVSnapshot bool) *LogSink {
	return &LogSink{log: log, logDVSnapshot: logDVSnapshot}
}

func (s *LogSink) OnPath(path []int, now time.Time) {
	s.log.Debug("data delivered", "path", path, "hops", len(path), "at", now)
}

func (s *LogSink) OnNeighborChange(nodeID, neighborID int, added bool) {
	if added {
		s.log.Info("neighbor discovered", "node", nodeID, "neighbor", neighborID)
		return
	}
	s.log.Info("neighbor expired", "node", nodeID, "neighbor", neighborID)
}

func (s *LogSink) OnSnapshot(now time.Time, positions map[int]mac.Position, neighborSets map[int][]int, tables map[int]map[int]routing.Entry) {
	fields := []any{"at", now, "nodes", len(positions)}
	if s.logDVSnapshot {
		fields = append(fields, "neighbor_sets", neighborSets, "tables", tables)
	}
	s.log.Debug("topology snapshot", fields...)
}
