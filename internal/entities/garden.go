// Package entities contains the core domain objects for the garden controller
package entities

import (
	"time"
)

// Plant is a monitored unit registered in the plant inventory.
// SensorID is the sensor board (nodemcu) monitoring the plant and PlantNum the
// plant index on that board. Location is the label used for the solar-time
// lookup and DefaultWatering the default dose in ml.
type Plant struct {
	ID              int64
	Name            string
	SensorID        int64
	PlantNum        int64
	Owner           string
	Location        string
	Type            string
	DefaultWatering int64
}

// SensorReading is a single soil humidity detection
type SensorReading struct {
	ID        int64     `json:"detection_id"`
	PlantID   int64     `json:"plant_id"`
	Humidity  int64     `json:"plant_hum"` // Percentage
	SensorID  int64     `json:"nodemcu_id"`
	Timestamp time.Time `json:"timestamp"`
}

// WateringRequest is a persisted intent to dispense water, confirmed later by an ack
type WateringRequest struct {
	ID            int64
	PlantID       int64
	WaterQuantity int64
	Done          bool
	Timestamp     time.Time
}

// PlantActionSummary aggregates the recent history of a plant for the decision engine.
// Elapsed durations are nil when the plant was never watered (or never requested).
type PlantActionSummary struct {
	PlantID          int64
	PlantName        string
	MeanHumidity     int64
	SinceLastRequest *time.Duration
	SinceLastSuccess *time.Duration
	DefaultWatering  int64
	Location         string
}

// Action is a watering command approved by the decision engine
type Action struct {
	PlantID       int64
	PlantName     string
	WaterQuantity int64
}

// WateringRecap summarizes one actuation batch. Failed counts the actions whose
// request could not be sent.
type WateringRecap struct {
	Actions int   `json:"actions"`
	Water   int64 `json:"water"`
	Failed  int   `json:"failed,omitempty"`
}

// PlantRecap is the status line of a plant: last detection and last watering
type PlantRecap struct {
	PlantID       int64      `json:"plant_id"`
	PlantName     string     `json:"plant_name"`
	SensorID      int64      `json:"nodemcu_id"`
	Owner         string     `json:"owner"`
	Location      string     `json:"plant_location"`
	Type          string     `json:"plant_type"`
	Humidity      *int64     `json:"plant_hum"`
	DetectionTime *time.Time `json:"detection_ts"`
	WaterQuantity *int64     `json:"water_quantity"`
	WateringTime  *time.Time `json:"watering_ts"`
}

// StatisticPoint is the mean humidity of a plant over one hour
type StatisticPoint struct {
	PlantID int64  `json:"plant_id"`
	Value   int64  `json:"value"`
	Date    string `json:"date"`
	Hour    int64  `json:"hour"`
}
