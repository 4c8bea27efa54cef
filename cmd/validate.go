package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"controlling_door/internal/config"
	"controlling_door/internal/grbl"
	"controlling_door/internal/logger"
	"controlling_door/internal/service"
)

var validateTimeout time.Duration

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configured stop delay against the controller",
	Long: `Connects to the controller, reads its acceleration setting for the
configured axis and verifies that the stop delay covers a full deceleration
from the faster of the two speeds. Exits non-zero when the configuration
would be unsafe to run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.Context())
	},
}

func init() {
	validateCmd.Flags().DurationVar(&validateTimeout, "timeout", 15*time.Second, "Give up if the controller does not answer in time")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(parent context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logger.Get(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(parent, validateTimeout)
	defer cancel()

	dial, endpoint := dialFor(cfg.Controller)
	client := grbl.NewClient(grbl.Options{
		Endpoint:       endpoint,
		Dial:           dial,
		PollInterval:   cfg.Controller.StatusPollInterval(),
		CommandTimeout: cfg.Controller.CommandTimeout(),
		BackoffInitial: cfg.Controller.ReconnectInitial(),
		BackoffMax:     cfg.Controller.ReconnectMax(),
		Log:            log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx) })

	var verdict error
	g.Go(func() error {
		defer cancel()
		accel, err := queryAccelerationRetrying(ctx, client, cfg.Door.Axis)
		if err != nil {
			verdict = err
			return nil
		}
		verdict = service.ValidateStopDelay(cfg.Door, accel)
		if verdict == nil {
			fmt.Printf("ok: stop delay %d ms covers deceleration from %.0f mm/min at %.1f mm/s²\n",
				cfg.Door.StopDelayMS, cfg.Door.OpenSpeedMMMin, accel)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return verdict
}

// queryAccelerationRetrying keeps asking until the link comes up or the
// deadline expires; the first exchange after a cold start usually races the
// connect.
func queryAccelerationRetrying(ctx context.Context, client *grbl.Client, axis string) (float64, error) {
	for {
		accel, err := service.QueryAcceleration(ctx, client, axis)
		if err == nil {
			return accel, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("controller did not answer: %w", err)
		case <-time.After(500 * time.Millisecond):
		}
	}
}
