package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/fibtrie/common/go/logging"
	"github.com/yanet-platform/fibtrie/common/go/xcmd"
	route "github.com/yanet-platform/fibtrie/modules/route/controlplane"
)

var serveCmdArgs struct {
	ConfigPath string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a forwarding table",
	Long: `Build a forwarding table from static routes and keep it in sync with the
kernel until interrupted. Table statistics are exported to Prometheus when a
metrics endpoint is configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := runServe(cmd.Context())
		if xcmd.IsInterrupted(err) {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	serveCmd.MarkFlagRequired("config")
}

func runServe(ctx context.Context) error {
	cfg, err := route.LoadConfig(serveCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	module, err := route.NewRouteModule(cfg, route.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to create route module: %w", err)
	}
	defer module.Close()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return module.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
