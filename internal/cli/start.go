package cli

import (
	"fmt"

	"github.com/harun/tandem/internal/config"
	"github.com/harun/tandem/internal/daemon"
	"github.com/harun/tandem/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the tandem daemon",
	Long: `Start the tandem daemon in the foreground.
The gateway accepts WebSocket connections until SIGINT or SIGTERM, then
active runs are cancelled and session snapshots are flushed.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	daemon.Version = version
	d, err := daemon.New(cfg, configPath, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	cmd.Printf("tandem listening on %s\n", d.GetGatewayServer().Addr())
	d.Wait()
	return nil
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	}
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
