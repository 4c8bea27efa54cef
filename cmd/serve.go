package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"controlling_door/internal/config"
	"controlling_door/internal/grbl"
	"controlling_door/internal/handlers"
	"controlling_door/internal/logger"
	"controlling_door/internal/notify"
	"controlling_door/internal/repository"
	"controlling_door/internal/repository/db"
	"controlling_door/internal/server"
	"controlling_door/internal/service"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the door daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// dialFor picks the transport for the configured controller link. The
// --simulate flag wins over the config so a bench setup never needs a
// separate file.
func dialFor(cc config.ControllerConfig) (grbl.DialFunc, string) {
	mode := cc.Mode
	if simulate {
		mode = config.ModeSimulator
	}
	switch mode {
	case config.ModeSerial:
		return grbl.DialSerial(cc.Serial.Device, cc.Serial.Baud), cc.Endpoint()
	case config.ModeSimulator:
		return grbl.NewSimulator().Dial(), config.ModeSimulator
	default:
		return grbl.DialTCP(cc.TCP.Host, cc.TCP.Port), cc.Endpoint()
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logger.Get(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = log.Sync() }()

	database, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}
	defer func() {
		if cerr := database.Close(); cerr != nil {
			log.Errorw("sqlite_close_failed", "err", cerr)
		}
	}()
	repos := repository.NewRepository(database)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// A snapshot left in a moving state means the last run died mid-motion;
	// the door will re-home before trusting any position again.
	if snap, err := repos.Snapshots.Load(ctx); err != nil {
		log.Warnw("snapshot_load_failed", "err", err)
	} else if snap.State != "" && !snap.State.AtRest() {
		log.Warnw("unclean_shutdown_detected",
			"state", snap.State, "position_mm", snap.PositionMM)
	}

	door := service.NewDoorService(service.DoorOptions{
		Client:        client,
		Config:        cfg.Door,
		Events:        repos.Events,
		Snapshots:     repos.Snapshots,
		Log:           log,
		Persist:       config.PersistDoor,
		HomingTimeout: cfg.Controller.HomingTimeout(),
	})
	settings := service.NewSettingsService(client, repos.Events, log, cfg.Controller.SettingsCacheTTL())
	services := service.NewService(door, settings, repos, service.AuthConfig{
		SigningKey: cfg.Auth.SigningKey,
		TokenTTL:   cfg.Auth.TokenTTL,
	})

	apiHandler := handlers.NewHandler(services, log, handlers.Options{
		Subscriptions:  repos.Subscriptions,
		PushPublicKey:  cfg.Push.VAPIDPublicKey,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(ctx) })
	g.Go(func() error { return door.Run(ctx) })

	if cfg.Push.Enabled() {
		notifier := notify.New(notify.Options{
			Door:          door,
			Subscriptions: repos.Subscriptions,
			WebPush: &webpush.Options{
				Subscriber:      cfg.Push.Subscriber,
				VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
				VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
				TTL:             60,
			},
			Workers: cfg.Push.Workers,
			Log:     log,
		})
		g.Go(func() error { return notifier.Run(ctx) })
	}

	srv := &server.Server{}
	g.Go(func() error {
		log.Infow("http_server_starting",
			"port", cfg.Server.Port, "controller", endpoint)
		if err := srv.Run(cfg.Server.Port, apiHandler.InitRoutes()); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Infow("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
