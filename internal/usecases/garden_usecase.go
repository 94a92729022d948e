// Package usecases contains the application's business logic
package usecases

import (
	"context"
	"fmt"
	"strings"

	"github.com/abelzeko/garden-controller/internal/actuation"
	"github.com/abelzeko/garden-controller/internal/decision"
	"github.com/abelzeko/garden-controller/internal/entities"
	"github.com/abelzeko/garden-controller/internal/protocol"
	"github.com/abelzeko/garden-controller/internal/repository"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("garden.usecases")

// GardenUseCase exposes the operations every outer surface calls
type GardenUseCase struct {
	repo    repository.GardenRepository
	engine  *decision.Engine
	channel *actuation.Channel
}

// NewGardenUseCase creates a new garden use case
func NewGardenUseCase(repo repository.GardenRepository, engine *decision.Engine, channel *actuation.Channel) *GardenUseCase {
	return &GardenUseCase{
		repo:    repo,
		engine:  engine,
		channel: channel,
	}
}

// Install creates the database
func (uc *GardenUseCase) Install(ctx context.Context) error {
	return uc.repo.Install(ctx)
}

// AddPlant registers a plant in the inventory
func (uc *GardenUseCase) AddPlant(ctx context.Context, plant entities.Plant) (int64, error) {
	plant.Name = strings.TrimSpace(plant.Name)
	switch {
	case plant.Name == "":
		return 0, errors.NotValidf("empty plant name")
	case plant.SensorID <= 0:
		return 0, errors.NotValidf("sensor id %d", plant.SensorID)
	case plant.PlantNum < 0:
		return 0, errors.NotValidf("plant number %d", plant.PlantNum)
	case plant.DefaultWatering < 0:
		return 0, errors.NotValidf("default watering %d", plant.DefaultWatering)
	}
	return uc.repo.AddPlant(ctx, plant)
}

// AddDetection stores a humidity reading received outside the bus
func (uc *GardenUseCase) AddDetection(ctx context.Context, plantID, humidity, sensorID int64) (int64, error) {
	logger.Debugf("adding detection")
	switch {
	case plantID <= 0 || sensorID < 0:
		return 0, errors.NotValidf("detection of plant %d from sensor %d", plantID, sensorID)
	case humidity < 0 || humidity >= protocol.FaultHumidity:
		return 0, errors.NotValidf("humidity %d", humidity)
	}
	return uc.repo.AddDetection(ctx, plantID, humidity, sensorID)
}

// AddWater requests a manual watering of the plant and returns the watering id
func (uc *GardenUseCase) AddWater(ctx context.Context, plantID, waterQuantity int64) (int64, error) {
	logger.Infof("requesting %dml watering to plant [%d]", waterQuantity, plantID)
	if plantID <= 0 || waterQuantity <= 0 {
		logger.Warningf("invalid input received")
		return 0, errors.NotValidf("watering of %dml for plant %d", waterQuantity, plantID)
	}
	return uc.channel.RequestWatering(ctx, plantID, waterQuantity)
}

// AckWatering marks a watering request as completed
func (uc *GardenUseCase) AckWatering(ctx context.Context, wateringID int64) error {
	return uc.repo.AckWatering(ctx, wateringID)
}

// GetRecap returns the last detection and watering of every plant
func (uc *GardenUseCase) GetRecap(ctx context.Context) ([]entities.PlantRecap, error) {
	logger.Debugf("getting recap")
	return uc.repo.GetPlantLastDetections(ctx)
}

// GetReadings returns every humidity reading of a known plant, oldest first
func (uc *GardenUseCase) GetReadings(ctx context.Context, plantID int64) ([]entities.SensorReading, error) {
	if err := uc.checkPlant(ctx, plantID); err != nil {
		return nil, err
	}
	return uc.repo.GetPlantReadings(ctx, plantID)
}

// GetStatistics returns the hourly humidity of a known plant over the last days
func (uc *GardenUseCase) GetStatistics(ctx context.Context, plantID int64, days int) ([]entities.StatisticPoint, error) {
	if err := uc.checkPlant(ctx, plantID); err != nil {
		return nil, err
	}
	return uc.repo.GetPlantStatistics(ctx, plantID, days)
}

func (uc *GardenUseCase) checkPlant(ctx context.Context, plantID int64) error {
	known, err := uc.repo.KnownPlant(ctx, plantID)
	if err != nil {
		return errors.Trace(err)
	}
	if !known {
		return errors.NotFoundf("plant %d", plantID)
	}
	return nil
}

// GetSensorIDs lists the sensors monitoring at least one plant
func (uc *GardenUseCase) GetSensorIDs(ctx context.Context) ([]int64, error) {
	return uc.repo.GetAllSensorIDs(ctx)
}

// EvaluateWatering runs one decision cycle and transmits the resulting actions
func (uc *GardenUseCase) EvaluateWatering(ctx context.Context) (entities.WateringRecap, error) {
	// Get actions to execute based on time, humidity and last waterings
	actions, err := uc.engine.Elaborate(ctx)
	if err != nil {
		return entities.WateringRecap{}, errors.Trace(err)
	}
	// Communicate to the actuators if any action is required
	return uc.channel.TransmitActions(ctx, actions)
}

// FormatRecap formats the plant recap for display
func (uc *GardenUseCase) FormatRecap(recap []entities.PlantRecap) string {
	if len(recap) == 0 {
		return "No plant registered yet."
	}

	var result strings.Builder
	for _, plant := range recap {
		result.WriteString(fmt.Sprintf("🌱 %s #%d", plant.PlantName, plant.PlantID))
		if plant.Location != "" {
			result.WriteString(fmt.Sprintf(" (%s)", plant.Location))
		}
		result.WriteString("\n")

		if plant.Humidity != nil {
			result.WriteString(fmt.Sprintf("💧 Humidity: %d%%", *plant.Humidity))
			if plant.DetectionTime != nil {
				result.WriteString(fmt.Sprintf(" at %s", plant.DetectionTime.Format("2006-01-02 15:04:05")))
			}
			result.WriteString("\n")
		} else {
			result.WriteString("💧 No detection yet\n")
		}

		// Only include the watering when the plant has one
		if plant.WaterQuantity != nil {
			result.WriteString(fmt.Sprintf("🚿 Last watering: %dml", *plant.WaterQuantity))
			if plant.WateringTime != nil {
				result.WriteString(fmt.Sprintf(" at %s", plant.WateringTime.Format("2006-01-02 15:04:05")))
			}
			result.WriteString("\n")
		}
		result.WriteString("\n")
	}
	return strings.TrimRight(result.String(), "\n")
}
