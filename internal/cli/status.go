package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/internal/daemon"
	"github.com/harun/tandem/pkg/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the tandem daemon and its live sessions.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		cmd.Println("Status: stopped")
		return nil
	}

	cmd.Println("Status: running")
	cmd.Printf("PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		cmd.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	sessions, err := fetchSessions(cfg)
	if err != nil {
		cmd.Printf("Gateway: unreachable (%v)\n", err)
		return nil
	}
	cmd.Printf("Gateway: %s\n", gatewayURL(cfg))
	cmd.Printf("Sessions: %d\n", len(sessions))
	return nil
}

// gatewayURL returns the base URL a local client should use for the gateway.
func gatewayURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func fetchSessions(cfg *config.Config) ([]session.Info, error) {
	resp, err := httpClient.Get(gatewayURL(cfg) + "/sessions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return body.Sessions, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
