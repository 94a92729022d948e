package main

import (
	"context"

	"github.com/abelzeko/garden-controller/internal/actuation"
	"github.com/abelzeko/garden-controller/internal/config"
	"github.com/abelzeko/garden-controller/internal/decision"
	"github.com/abelzeko/garden-controller/internal/integration"
	"github.com/abelzeko/garden-controller/internal/repository"
	"github.com/abelzeko/garden-controller/internal/usecases"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

// notifier is satisfied by the Telegram bot
type notifier interface {
	Notify(text string)
}

// app holds the wired components of one process
type app struct {
	cfg      config.Config
	repo     *repository.SQLiteGardenRepository
	bus      *integration.MQTTBus
	notifier notifier
	garden   *usecases.GardenUseCase
}

// openApp opens the store, installs the schema and connects the bus. Without a
// reachable broker the process goes on only in test mode.
func openApp(ctx context.Context, cfg config.Config, n notifier) (*app, error) {
	repo, err := repository.NewSQLiteGardenRepository(cfg.DB.Path, cfg.DB.PoolSize)
	if err != nil {
		return nil, errors.Annotate(err, "failed to initialize repository")
	}
	if err := repo.Install(ctx); err != nil {
		repo.Close()
		return nil, errors.Annotate(err, "failed to install database")
	}

	a := &app{cfg: cfg, repo: repo, notifier: n}

	bus := integration.NewMQTTBus(cfg.MQTT)
	if err := bus.Connect(); err != nil {
		if !cfg.Site.IsTest {
			repo.Close()
			return nil, errors.Trace(err)
		}
		logger.Warningf("running without message bus: %v", err)
	} else {
		a.bus = bus
	}

	// Interfaces stay nil when the component is missing
	var publisher actuation.Publisher
	if a.bus != nil {
		publisher = a.bus
	}
	var alerts actuation.Notifier
	if n != nil {
		alerts = n
	}

	engine := decision.NewEngine(repo, clock.WallClock, decision.PolicyFromConfig(cfg.Watering), decision.NewSolarWindow(cfg))
	channel := actuation.NewChannel(repo, publisher, alerts, clock.WallClock, actuation.OptionsFromConfig(cfg))
	a.garden = usecases.NewGardenUseCase(repo, engine, channel)
	return a, nil
}

// Close releases the bus and the store
func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if err := a.repo.Close(); err != nil {
		logger.Warningf("error closing repository: %v", err)
	}
}
