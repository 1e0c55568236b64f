package cli

import (
	"fmt"

	"github.com/harun/tandem/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or inspect the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up tandem.
The wizard asks for the run handler, its API key and model, the snapshot
store and the log level.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	wizard := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout())

	cfg, err := wizard.Run()
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("\nConfiguration saved to: %s\n", loader.GetConfigPath())
	cmd.Println("\nYou can now start tandem with: tandem serve")

	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	cmd.Printf("# %s\n", path)
	cmd.Println(cfg.String())
	return nil
}
