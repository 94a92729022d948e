// Package actuation sends watering commands to the actuators
package actuation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/abelzeko/garden-controller/internal/config"
	"github.com/abelzeko/garden-controller/internal/entities"
	"github.com/abelzeko/garden-controller/internal/protocol"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("garden.actuation")

// DefaultQuantity is the dose used for an action that carries none
const DefaultQuantity = 100

// Publisher is the part of the bus commands are sent on
type Publisher interface {
	Publish(topic, payload string) error
}

// Store persists watering requests
type Store interface {
	AddWatering(ctx context.Context, plantID, waterQuantity int64) (int64, error)
}

// Notifier alerts the operator
type Notifier interface {
	Notify(text string)
}

// Options calibrate the channel
type Options struct {
	// Wait is the pause between two consecutive actions of a batch
	Wait         time.Duration
	FlowRate     float64
	InitialDelay int64
	// IsTest logs actions without persisting or publishing them
	IsTest bool
}

// OptionsFromConfig extracts the channel options from the configuration
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Wait:         cfg.Site.WaitWatering,
		FlowRate:     cfg.Watering.FlowRate,
		InitialDelay: cfg.Watering.InitialDelay,
		IsTest:       cfg.Site.IsTest,
	}
}

// WaterTime converts a water quantity in ml into the seconds the valve stays
// open, empirically calibrated by flow rate and initial delay
func WaterTime(quantity int64, flowRate float64, initialDelay int64) int64 {
	return int64(math.Round(float64(quantity)/flowRate)) + initialDelay
}

// Channel persists watering requests and publishes them to the actuators
type Channel struct {
	store    Store
	bus      Publisher
	notifier Notifier
	clock    clock.Clock
	opts     Options
}

// NewChannel creates an actuation channel. The bus and the notifier may be nil.
func NewChannel(store Store, bus Publisher, notifier Notifier, clk clock.Clock, opts Options) *Channel {
	return &Channel{
		store:    store,
		bus:      bus,
		notifier: notifier,
		clock:    clk,
		opts:     opts,
	}
}

// RequestWatering registers a pending request and sends the command to the
// plant actuator. The request stays pending when the publish fails.
func (c *Channel) RequestWatering(ctx context.Context, plantID, quantity int64) (int64, error) {
	wateringID, err := c.store.AddWatering(ctx, plantID, quantity)
	if err != nil {
		return 0, errors.Trace(err)
	}

	seconds := WaterTime(quantity, c.opts.FlowRate, c.opts.InitialDelay)
	topic := protocol.PlantTopic(plantID)
	if c.bus == nil {
		return wateringID, errors.Errorf("cannot publish watering %d: bus not connected", wateringID)
	}
	if err := c.bus.Publish(topic, protocol.WateringCommand(wateringID, seconds)); err != nil {
		c.notify(fmt.Sprintf("⚠️ Watering %d of plant %d not sent: %v", wateringID, plantID, err))
		return wateringID, errors.Annotatef(err, "cannot publish watering %d on %q", wateringID, topic)
	}
	logger.Infof("sent watering %d to plant %d: %dml in %ds", wateringID, plantID, quantity, seconds)
	return wateringID, nil
}

// TransmitActions executes the actions one after the other, pausing between
// them. Failed requests are logged and the batch goes on.
func (c *Channel) TransmitActions(ctx context.Context, actions []entities.Action) (entities.WateringRecap, error) {
	var recap entities.WateringRecap
	for i, action := range actions {
		if i > 0 && c.opts.Wait > 0 {
			select {
			case <-c.clock.After(c.opts.Wait):
			case <-ctx.Done():
				return recap, errors.Annotate(ctx.Err(), "watering batch interrupted")
			}
		}

		quantity := action.WaterQuantity
		if quantity <= 0 {
			quantity = DefaultQuantity
		}
		logger.Infof("requesting %dml of water for plant [%s/#%d]", quantity, action.PlantName, action.PlantID)

		if c.opts.IsTest {
			logger.Infof("TEST ENVIRONMENT - watering not requested")
		} else if _, err := c.RequestWatering(ctx, action.PlantID, quantity); err != nil {
			logger.Errorf("watering of plant %d failed: %v", action.PlantID, err)
			recap.Failed++
		}
		recap.Actions++
		recap.Water += quantity
	}
	return recap, nil
}

func (c *Channel) notify(text string) {
	if c.notifier != nil {
		c.notifier.Notify(text)
	}
}
