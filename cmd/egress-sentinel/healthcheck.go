package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Check that a running proxy is ready",
	Long:  `Requests /health from the proxy listener and exits non-zero unless it answers 200.`,
	RunE:  runHealthCheck,
}

var (
	healthAddr    string
	healthTimeout time.Duration
)

func init() {
	healthCheckCmd.Flags().StringVar(&healthAddr, "addr", "127.0.0.1:8080", "Proxy address to check")
	healthCheckCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "Request timeout")
}

func runHealthCheck(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout:   healthTimeout,
		Transport: &http.Transport{Proxy: nil},
	}

	resp, err := client.Get("http://" + healthAddr + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: HTTP %d", resp.StatusCode)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Health check passed")
	return nil
}
