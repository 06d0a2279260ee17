package main

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tinywideclouds/go-campus-notify/internal/app"
	"github.com/tinywideclouds/go-campus-notify/notifyservice"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API, the WebSocket gateway and the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			if cfg.RunMode != "local" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx := cmd.Context()
			deps, done, err := newServiceDependencies(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize dependencies: %w", err)
			}
			defer done.Close()

			apiService, err := notifyservice.New(cfg, deps, logger.With().Str("component", "ApiService").Logger())
			if err != nil {
				return fmt.Errorf("failed to create API service: %w", err)
			}

			// The API stops first so no new jobs arrive while the gateway drains.
			app.Run(ctx, logger,
				app.Named{Name: "api", Service: apiService},
				app.Named{Name: "gateway", Service: deps.Gateway},
			)
			return nil
		},
	}
}
