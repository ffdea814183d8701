package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/skyferry/fanetsim/internal/mac"
	"github.com/skyferry/fanetsim/internal/routing"
)

// watchEvent mirrors the JSON shape the daemon's websocket sink emits
// (internal/server's event type), decoded here independently since that
// type is unexported.
type watchEvent struct {
	Kind string `json:"kind"`

	Path []int     `json:"path,omitempty"`
	At   time.Time `json:"at,omitempty"`

	NodeID     int  `json:"node_id,omitempty"`
	NeighborID int  `json:"neighbor_id,omitempty"`
	Added      bool `json:"added,omitempty"`

	Positions    map[int]mac.Position          `json:"positions,omitempty"`
	NeighborSets map[int][]int                 `json:"neighbor_sets,omitempty"`
	Tables       map[int]map[int]routing.Entry  `json:"tables,omitempty"`
}

func watchCmd() *cobra.Command {
	var streamPath string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live simulation events from a running fanetsim daemon",
		Long:  "Connects to the fanetsim daemon's observation websocket and prints events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return watchEvents(ctx, streamPath)
		},
	}

	cmd.Flags().StringVar(&streamPath, "path", "/stream", "observation websocket path")

	return cmd
}

func watchEvents(ctx context.Context, streamPath string) error {
	url := wsBaseURL() + streamPath

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var e watchEvent
		if err := conn.ReadJSON(&e); err != nil {
			select {
			case <-done:
				return nil
			default:
				if errors.Is(err, websocket.ErrCloseSent) {
					return nil
				}
				return fmt.Errorf("read event: %w", err)
			}
		}

		out, fmtErr := formatWatchEvent(e, outputFormat)
		if fmtErr != nil {
			return fmt.Errorf("format event: %w", fmtErr)
		}

		fmt.Println(out)
	}
}

func formatWatchEvent(e watchEvent, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("marshal event to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		return formatWatchEventTable(e), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatWatchEventTable(e watchEvent) string {
	switch e.Kind {
	case "path":
		return fmt.Sprintf("[%s] path delivered  route=%v", e.At.Format(time.RFC3339), e.Path)
	case "neighbor_change":
		verb := "lost"
		if e.Added {
			verb = "gained"
		}
		return fmt.Sprintf("node %d %s neighbor %d", e.NodeID, verb, e.NeighborID)
	case "snapshot":
		return fmt.Sprintf("[%s] snapshot  nodes=%d", e.At.Format(time.RFC3339), len(e.Positions))
	default:
		return fmt.Sprintf("unknown event kind %q", e.Kind)
	}
}
