package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tradeweave/relay/node"
	"github.com/tradeweave/relay/version"
)

// StartCmd runs the relay until it is interrupted.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the relay",
	RunE:  startNode,
}

func startNode(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	n, err := node.New(ctx, config, logger)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	logger.Info("started", "addr", n.Addr(), "version", version.Version)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	n.Wait()
	return nil
}
