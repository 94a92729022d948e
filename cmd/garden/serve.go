package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/abelzeko/garden-controller/internal/api"
	"github.com/abelzeko/garden-controller/internal/dispatcher"
	"github.com/abelzeko/garden-controller/internal/scheduler"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the controller: bus listener, watering scheduler, HTTP API and bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd), opts)
		},
	}
}

func runServe(parent context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The bot exists before the garden so that it can receive the alerts
	var bot *api.TelegramBot
	var alerts notifier
	if cfg.Telegram.Token != "" {
		b, err := api.NewTelegramBot(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return errors.Annotate(err, "failed to initialize Telegram bot")
		}
		bot, alerts = b, b
	} else {
		logger.Infof("no Telegram token configured - bot disabled")
	}

	a, err := openApp(ctx, cfg, alerts)
	if err != nil {
		return errors.Trace(err)
	}
	defer a.Close()

	if a.bus != nil {
		sensorIDs, err := a.garden.GetSensorIDs(ctx)
		if err != nil {
			return errors.Annotate(err, "cannot list sensors")
		}
		var dispatcherAlerts dispatcher.Notifier
		if alerts != nil {
			dispatcherAlerts = alerts
		}
		d := dispatcher.New(a.repo, a.bus, dispatcherAlerts, cfg.Site.Workers)
		defer d.Close()
		if err := d.Start(sensorIDs); err != nil {
			return errors.Trace(err)
		}
		logger.Infof("listening to %d sensors", len(sensorIDs))
	}

	sched := scheduler.New(time.Duration(cfg.Site.Recurrence)*time.Minute, a.garden.EvaluateWatering)
	if err := sched.Start(); err != nil {
		return errors.Trace(err)
	}
	defer sched.Stop()

	server := api.NewHTTPServer(a.garden, cfg.Site.CORS)
	errs := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(cfg.Site.Port); err != nil {
			errs <- err
		}
	}()

	if bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Start(ctx, a.garden)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Infof("shutting down")
	case err = <-errs:
		logger.Errorf("%v", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Warningf("HTTP server shutdown: %v", serr)
	}
	wg.Wait()
	return errors.Trace(err)
}
