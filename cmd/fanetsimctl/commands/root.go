// Package commands implements the fanetsimctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the HTTP client used for the report request,
	// initialized in PersistentPreRunE.
	httpClient *http.Client

	// outputFormat controls the output format for report/watch: table or json.
	outputFormat string

	// serverAddr is the fanetsim daemon's observation server address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for fanetsimctl.
var rootCmd = &cobra.Command{
	Use:   "fanetsimctl",
	Short: "CLI client for the fanetsim daemon",
	Long:  "fanetsimctl talks to a running fanetsim daemon over HTTP and websocket to fetch reports and watch live simulation events.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		httpClient = &http.Client{Timeout: 10 * time.Second}
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8090",
		"fanetsim daemon observation server address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// httpBaseURL returns the http:// base URL for serverAddr.
func httpBaseURL() string {
	if strings.Contains(serverAddr, "://") {
		return serverAddr
	}
	return "http://" + serverAddr
}

// wsBaseURL returns the ws:// base URL for serverAddr.
func wsBaseURL() string {
	if strings.HasPrefix(serverAddr, "http://") {
		return "ws://" + strings.TrimPrefix(serverAddr, "http://")
	}
	if strings.HasPrefix(serverAddr, "https://") {
		return "wss://" + strings.TrimPrefix(serverAddr, "https://")
	}
	return "ws://" + serverAddr
}
