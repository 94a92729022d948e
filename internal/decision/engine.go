// Package decision elaborates which plants need watering
package decision

import (
	"context"
	"time"

	"github.com/abelzeko/garden-controller/internal/config"
	"github.com/abelzeko/garden-controller/internal/entities"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("garden.decision")

// neverWatered stands in for a plant without any watering on record
const neverWatered = 30 * 24 * time.Hour

// SummaryReader provides the aggregated sensor history
type SummaryReader interface {
	GetPlantActionSummary(ctx context.Context) ([]entities.PlantActionSummary, error)
}

// Policy holds the thresholds of the watering gates
type Policy struct {
	HumidityThreshold  int64
	MinBetweenWatering time.Duration
	MinBetweenRequests time.Duration
}

// PolicyFromConfig extracts the policy from the watering configuration
func PolicyFromConfig(cfg config.WateringConfig) Policy {
	return Policy{
		HumidityThreshold:  cfg.HumidityThreshold,
		MinBetweenWatering: cfg.MinBetweenWatering,
		MinBetweenRequests: cfg.MinBetweenRequests,
	}
}

// WateringNeeded checks the mean humidity against the threshold
func (p Policy) WateringNeeded(humidity int64) bool {
	return humidity < p.HumidityThreshold
}

// TimeToRewater checks that enough time passed since the last completed
// watering and since the last request
func (p Policy) TimeToRewater(sinceLastSuccess, sinceLastRequest time.Duration) bool {
	return sinceLastSuccess >= p.MinBetweenWatering && sinceLastRequest >= p.MinBetweenRequests
}

// Engine turns the plant action summary into watering actions
type Engine struct {
	repo   SummaryReader
	clock  clock.Clock
	policy Policy
	window *SolarWindow
}

// NewEngine creates a decision engine
func NewEngine(repo SummaryReader, clk clock.Clock, policy Policy, window *SolarWindow) *Engine {
	return &Engine{
		repo:   repo,
		clock:  clk,
		policy: policy,
		window: window,
	}
}

// Elaborate returns the actions of one decision cycle. Plants failing a gate
// are skipped silently.
func (e *Engine) Elaborate(ctx context.Context) ([]entities.Action, error) {
	summary, err := e.repo.GetPlantActionSummary(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "cannot elaborate watering")
	}

	now := e.clock.Now()
	actions := []entities.Action{}
	for _, plant := range summary {
		sinceSuccess := orNever(plant.SinceLastSuccess)
		sinceRequest := orNever(plant.SinceLastRequest)

		if !e.window.IsWateringTime(plant.Location, now) {
			logger.Debugf("it is not watering time for %s #%d", plant.PlantName, plant.PlantID)
			continue
		}
		if !e.policy.WateringNeeded(plant.MeanHumidity) {
			logger.Debugf("watering not needed for %s #%d [hum: %d%%]", plant.PlantName, plant.PlantID, plant.MeanHumidity)
			continue
		}
		if !e.policy.TimeToRewater(sinceSuccess, sinceRequest) {
			logger.Debugf("wait more time before re-watering %s #%d", plant.PlantName, plant.PlantID)
			continue
		}

		logger.Infof("added watering request for: %s #%d", plant.PlantName, plant.PlantID)
		actions = append(actions, entities.Action{
			PlantID:       plant.PlantID,
			PlantName:     plant.PlantName,
			WaterQuantity: plant.DefaultWatering,
		})
	}
	return actions, nil
}

func orNever(d *time.Duration) time.Duration {
	if d == nil {
		return neverWatered
	}
	return *d
}
