package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skyferry/fanetsim/internal/metrics"
	"github.com/skyferry/fanetsim/internal/server"
)

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Fetch the latest metrics report from a running fanetsim daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			report, err := fetchReport()
			if err != nil {
				return fmt.Errorf("fetch report: %w", err)
			}

			out, err := formatReport(report, outputFormat)
			if err != nil {
				return fmt.Errorf("format report: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func fetchReport() (metrics.Report, error) {
	url := httpBaseURL() + server.ReportPath

	resp, err := httpClient.Get(url)
	if err != nil {
		return metrics.Report{}, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return metrics.Report{}, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}

	var report metrics.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return metrics.Report{}, fmt.Errorf("decode report: %w", err)
	}

	return report, nil
}

func formatReport(r metrics.Report, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal report to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		return formatReportTable(r), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatReportTable(r metrics.Report) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Attempted:\t%d\n", r.Attempted)
	fmt.Fprintf(w, "Delivered:\t%d\n", r.Delivered)
	fmt.Fprintf(w, "PDR:\t%.4f\n", r.PDR)
	fmt.Fprintf(w, "Avg Latency (s):\t%.4f\n", r.AvgLatencyS)
	fmt.Fprintf(w, "Avg Hops:\t%.4f\n", r.AvgHops)

	w.Flush()
	return buf.String()
}
