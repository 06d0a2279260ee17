package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinywideclouds/go-campus-notify/internal/health"
	brokerqueue "github.com/tinywideclouds/go-campus-notify/internal/platform/queue"
)

// pingFunc is one dependency check for the probe command.
type pingFunc struct {
	name string
	ping func(ctx context.Context) error
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Ping the store, cache and broker once and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := newNotificationStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			checks := []pingFunc{{name: health.ProbeStore, ping: store.Ping}}
			if rdb := newRedisClient(cfg, logger); rdb != nil {
				defer func() { _ = rdb.Close() }()
				broker, err := brokerqueue.NewRedisBroker(rdb, cfg.Redis.KeyPrefix, logger)
				if err != nil {
					return err
				}
				checks = append(checks,
					pingFunc{name: health.ProbeCache, ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
					pingFunc{name: health.ProbeBroker, ping: broker.Ping},
				)
			}

			results, healthy := runProbes(ctx, checks, cfg.CollaboratorTimeout)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			if !healthy {
				return fmt.Errorf("one or more dependencies are unhealthy")
			}
			return nil
		},
	}
}

func runProbes(ctx context.Context, checks []pingFunc, timeout time.Duration) ([]health.ProbeResult, bool) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	healthy := true
	results := make([]health.ProbeResult, 0, len(checks))
	for _, c := range checks {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := c.ping(pingCtx)
		cancel()

		res := health.ProbeResult{Name: c.name, Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			res.Error = err.Error()
			healthy = false
		}
		results = append(results, res)
	}
	return results, healthy
}
