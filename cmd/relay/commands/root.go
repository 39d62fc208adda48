package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/tradeweave/relay/config"
	"github.com/tradeweave/relay/libs/log"
)

var (
	config = cfg.DefaultConfig()
	logger log.Logger
)

func init() {
	logger, _ = log.NewDefaultLogger(cfg.LogFormatPlain, "info")
	registerFlagsRootCmd(RootCmd)
}

func registerFlagsRootCmd(cmd *cobra.Command) {
	cmd.PersistentFlags().String("home", defaultHome(), "directory for config and data")
	cmd.PersistentFlags().String("log_level", config.LogLevel, "log level")
}

func defaultHome() string {
	if home := os.Getenv("RELAYHOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(userHome, ".relay")
}

// ParseConfig retrieves the configuration from the home directory, the
// environment and the flags, and validates it.
func ParseConfig(cmd *cobra.Command) (*cfg.Config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	home := viper.GetString("home")
	viper.SetConfigName("config")
	viper.AddConfigPath(home)
	if err := viper.ReadInConfig(); err != nil {
		// optional config file, flags and env still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	conf := cfg.DefaultConfig()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCmd is the root command for the relay.
var RootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Off-chain order relay for on-chain settlement",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case VersionCmd.Name(), InitFilesCmd.Name():
			// neither needs a valid config to run
			return nil
		}
		var err error
		config, err = ParseConfig(cmd)
		if err != nil {
			return err
		}
		logger, err = log.NewDefaultLogger(config.LogFormat, config.LogLevel)
		if err != nil {
			return err
		}
		logger = logger.With("moniker", config.Moniker)
		return nil
	},
}
