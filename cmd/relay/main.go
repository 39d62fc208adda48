package main

import (
	"context"
	"os"

	"github.com/tradeweave/relay/cmd/relay/commands"
)

func main() {
	rootCmd := commands.RootCmd
	rootCmd.AddCommand(
		commands.InitFilesCmd,
		commands.StartCmd,
		commands.VersionCmd,
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
