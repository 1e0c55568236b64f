package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and terminate live sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live sessions on the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsTerminateCmd = &cobra.Command{
	Use:   "terminate <session-id>",
	Short: "Cancel a session's active run and discard it",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsTerminate,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsTerminateCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	sessions, err := fetchSessions(cfg)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		cmd.Println("No live sessions.")
		return nil
	}

	for _, s := range sessions {
		idle := time.Since(s.LastActivityAt).Round(time.Second)
		if idle < 0 {
			idle = 0
		}
		cmd.Printf("- %s | %s | run: %s | steps: %d | idle: %s\n", s.ID, s.State, s.RunState, s.Steps, idle)
	}
	return nil
}

func runSessionsTerminate(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	if id == "" {
		return fmt.Errorf("session id is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, gatewayURL(cfg)+"/sessions/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		cmd.Printf("Terminated session %s.\n", id)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("session %s not found", id)
	default:
		return fmt.Errorf("terminate failed: %s", resp.Status)
	}
}
