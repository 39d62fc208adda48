package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/tradeweave/relay/config"
)

// InitFilesCmd initialises the home directory with a default config file.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the home directory with a default config file",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	home := viper.GetString("home")
	if err := cfg.EnsureRoot(home); err != nil {
		return err
	}
	logger.Info("initialized", "home", home)
	return nil
}
