package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/abelzeko/garden-controller/internal/entities"
	"github.com/juju/errors"
)

// summaryWindow is the trailing window the action summary averages over
const summaryWindow = "-15 minutes"

// GardenRepository defines the data operations of the garden controller
type GardenRepository interface {
	Install(ctx context.Context) error
	AddPlant(ctx context.Context, plant entities.Plant) (int64, error)
	GetAllSensorIDs(ctx context.Context) ([]int64, error)
	GetPlantID(ctx context.Context, sensorID, plantNum int64) (int64, error)
	GetPlantSensorID(ctx context.Context, plantID int64) (int64, error)
	KnownPlant(ctx context.Context, plantID int64) (bool, error)
	AddDetection(ctx context.Context, plantID, humidity, sensorID int64) (int64, error)
	GetPlantReadings(ctx context.Context, plantID int64) ([]entities.SensorReading, error)
	AddWatering(ctx context.Context, plantID, waterQuantity int64) (int64, error)
	AckWatering(ctx context.Context, wateringID int64) error
	GetWateringRequest(ctx context.Context, wateringID int64) (entities.WateringRequest, error)
	GetPlantActionSummary(ctx context.Context) ([]entities.PlantActionSummary, error)
	GetPlantLastDetections(ctx context.Context) ([]entities.PlantRecap, error)
	GetPlantStatistics(ctx context.Context, plantID int64, days int) ([]entities.StatisticPoint, error)
	Close() error
}

// SQLiteGardenRepository implements GardenRepository on top of the Gateway
type SQLiteGardenRepository struct {
	gw *Gateway
}

// NewSQLiteGardenRepository opens the store and returns the repository.
// A failure here means the store is unreachable at startup.
func NewSQLiteGardenRepository(dbPath string, poolSize int) (*SQLiteGardenRepository, error) {
	gw, err := OpenGateway(dbPath, poolSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &SQLiteGardenRepository{gw: gw}, nil
}

// Close closes the database handle
func (r *SQLiteGardenRepository) Close() error {
	return r.gw.Close()
}

// Install creates the tables and indexes. Every statement is attempted once;
// the first failure is returned.
func (r *SQLiteGardenRepository) Install(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := r.gw.Execute(ctx, statement); err != nil {
			logger.Warningf("cannot create database: %v", err)
			return errors.Annotate(err, "cannot install database")
		}
	}
	logger.Infof("DB setup completed")
	return nil
}

// AddPlant registers a new plant and returns its identifier
func (r *SQLiteGardenRepository) AddPlant(ctx context.Context, plant entities.Plant) (int64, error) {
	query := `
		INSERT INTO ` + plantInventory + `
		(plant_name, nodemcu_id, plant_num, owner, plant_location, plant_type, default_watering)
		VALUES(?, ?, ?, ?, ?, ?, ?)`

	defaultWatering := plant.DefaultWatering
	if defaultWatering <= 0 {
		defaultWatering = 150
	}
	id, err := r.gw.Execute(ctx, query,
		plant.Name,
		plant.SensorID,
		plant.PlantNum,
		plant.Owner,
		plant.Location,
		plant.Type,
		defaultWatering,
	)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to insert plant %q", plant.Name)
	}
	logger.Infof("registered plant %q as #%d", plant.Name, id)
	return id, nil
}

// GetAllSensorIDs returns every sensor that monitors at least one plant
func (r *SQLiteGardenRepository) GetAllSensorIDs(ctx context.Context) ([]int64, error) {
	query := `
		SELECT DISTINCT nodemcu_id
		FROM ` + plantInventory + `
		WHERE nodemcu_id IS NOT NULL
		ORDER BY nodemcu_id`
	rows, err := r.gw.Query(ctx, query)
	if err != nil {
		return nil, errors.Annotate(err, "failed to query sensors")
	}
	logger.Debugf("retrieved %d sensors", len(rows))
	return int64Column(rows, "nodemcu_id"), nil
}

// GetPlantID resolves the plant monitored as plantNum by the given sensor
func (r *SQLiteGardenRepository) GetPlantID(ctx context.Context, sensorID, plantNum int64) (int64, error) {
	query := `
		SELECT plant_id
		FROM ` + plantInventory + `
		WHERE nodemcu_id = ? AND plant_num = ?`
	rows, err := r.gw.Query(ctx, query, sensorID, plantNum)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to look up plant #%d of sensor %d", plantNum, sensorID)
	}
	if len(rows) == 0 {
		return 0, errors.NotFoundf("plant #%d of sensor %d", plantNum, sensorID)
	}
	id, _ := rows[0].Int64("plant_id")
	return id, nil
}

// GetPlantSensorID returns the sensor currently monitoring the plant
func (r *SQLiteGardenRepository) GetPlantSensorID(ctx context.Context, plantID int64) (int64, error) {
	query := `SELECT nodemcu_id FROM ` + plantInventory + ` WHERE plant_id = ?`
	rows, err := r.gw.Query(ctx, query, plantID)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to look up sensor of plant %d", plantID)
	}
	if len(rows) == 0 {
		return 0, errors.NotFoundf("plant %d", plantID)
	}
	sensorID, ok := rows[0].Int64("nodemcu_id")
	if !ok {
		return 0, errors.NotFoundf("sensor of plant %d", plantID)
	}
	return sensorID, nil
}

// KnownPlant checks whether the plant exists
func (r *SQLiteGardenRepository) KnownPlant(ctx context.Context, plantID int64) (bool, error) {
	query := `SELECT plant_id FROM ` + plantInventory + ` WHERE plant_id = ?`
	rows, err := r.gw.Query(ctx, query, plantID)
	if err != nil {
		return false, errors.Annotatef(err, "failed to check plant %d", plantID)
	}
	return len(rows) > 0, nil
}

// AddDetection stores a humidity reading for a known plant and returns the
// detection id. A non-positive sensorID stands for the plant's own sensor.
func (r *SQLiteGardenRepository) AddDetection(ctx context.Context, plantID, humidity, sensorID int64) (int64, error) {
	known, err := r.KnownPlant(ctx, plantID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if !known {
		logger.Warningf("attempting to insert detection for an unknown plant: [%d]", plantID)
		return 0, errors.NotFoundf("plant %d", plantID)
	}

	var sensor any
	if sensorID > 0 {
		sensor = sensorID
	} else if id, err := r.GetPlantSensorID(ctx, plantID); err == nil {
		sensor = id
	}

	query := `
		INSERT INTO ` + plantHistory + `
		(plant_id, plant_hum, nodemcu_id)
		VALUES(?, ?, ?)`
	id, err := r.gw.Execute(ctx, query, plantID, humidity, sensor)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to insert detection for plant %d", plantID)
	}
	logger.Debugf("added detection #%d for plant [%d]: %d%%", id, plantID, humidity)
	return id, nil
}

// GetPlantReadings returns the readings of a plant, oldest first
func (r *SQLiteGardenRepository) GetPlantReadings(ctx context.Context, plantID int64) ([]entities.SensorReading, error) {
	query := `
		SELECT detection_id, plant_id, plant_hum, nodemcu_id, timestamp
		FROM ` + plantHistory + `
		WHERE plant_id = ?
		ORDER BY detection_id`
	rows, err := r.gw.Query(ctx, query, plantID)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to query readings of plant %d", plantID)
	}

	readings := make([]entities.SensorReading, 0, len(rows))
	for _, row := range rows {
		var rd entities.SensorReading
		rd.ID, _ = row.Int64("detection_id")
		rd.PlantID, _ = row.Int64("plant_id")
		rd.Humidity, _ = row.Int64("plant_hum")
		rd.SensorID, _ = row.Int64("nodemcu_id")
		rd.Timestamp, _ = row.Time("timestamp")
		readings = append(readings, rd)
	}
	return readings, nil
}

// AddWatering stores a pending watering request and returns its id
func (r *SQLiteGardenRepository) AddWatering(ctx context.Context, plantID, waterQuantity int64) (int64, error) {
	known, err := r.KnownPlant(ctx, plantID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if !known {
		logger.Warningf("attempting to request watering for an unknown plant: [%d]", plantID)
		return 0, errors.NotFoundf("plant %d", plantID)
	}

	query := `
		INSERT INTO ` + plantWater + `
		(plant_id, water_quantity)
		VALUES(?, ?)`
	id, err := r.gw.Execute(ctx, query, plantID, waterQuantity)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to insert watering for plant %d", plantID)
	}
	return id, nil
}

// AckWatering marks the watering request as done. The flag only ever goes
// from false to true, so repeating the ack leaves the same final state.
func (r *SQLiteGardenRepository) AckWatering(ctx context.Context, wateringID int64) error {
	if _, err := r.GetWateringRequest(ctx, wateringID); err != nil {
		return errors.Trace(err)
	}

	query := `UPDATE ` + plantWater + ` SET watering_done = TRUE WHERE watering_id = ?`
	if _, err := r.gw.Execute(ctx, query, wateringID); err != nil {
		return errors.Annotatef(err, "failed to ack watering %d", wateringID)
	}
	return nil
}

// GetWateringRequest returns a single watering request
func (r *SQLiteGardenRepository) GetWateringRequest(ctx context.Context, wateringID int64) (entities.WateringRequest, error) {
	query := `
		SELECT watering_id, plant_id, water_quantity, watering_done, timestamp
		FROM ` + plantWater + `
		WHERE watering_id = ?`
	rows, err := r.gw.Query(ctx, query, wateringID)
	if err != nil {
		return entities.WateringRequest{}, errors.Annotatef(err, "failed to query watering %d", wateringID)
	}
	if len(rows) == 0 {
		return entities.WateringRequest{}, errors.NotFoundf("watering request %d", wateringID)
	}

	row := rows[0]
	var wr entities.WateringRequest
	wr.ID, _ = row.Int64("watering_id")
	wr.PlantID, _ = row.Int64("plant_id")
	wr.WaterQuantity, _ = row.Int64("water_quantity")
	done, _ := row.Int64("watering_done")
	wr.Done = done != 0
	wr.Timestamp, _ = row.Time("timestamp")
	return wr, nil
}

// GetPlantActionSummary returns, for every plant with a reading in the last
// 15 minutes, the mean humidity and the time elapsed since the last watering
// requested and the last watering done.
func (r *SQLiteGardenRepository) GetPlantActionSummary(ctx context.Context) ([]entities.PlantActionSummary, error) {
	query := `
		SELECT ph.plant_id, pi2.plant_name, ROUND(AVG(ph.plant_hum)) AS mean_value,
			req.elapsed AS last_watering_req, done.elapsed AS last_watering_successful,
			pi2.default_watering, pi2.plant_location
		FROM ` + plantHistory + ` ph
		JOIN ` + plantInventory + ` pi2 ON ph.plant_id = pi2.plant_id
		LEFT JOIN (
			SELECT plant_id, MIN((julianday('now') - julianday(timestamp)) * 86400) AS elapsed
			FROM ` + plantWater + `
			GROUP BY plant_id
		) req ON req.plant_id = ph.plant_id
		LEFT JOIN (
			SELECT plant_id, MIN((julianday('now') - julianday(timestamp)) * 86400) AS elapsed
			FROM ` + plantWater + `
			WHERE watering_done = 1
			GROUP BY plant_id
		) done ON done.plant_id = ph.plant_id
		WHERE ph.timestamp >= datetime('now', ?)
		GROUP BY ph.plant_id
		ORDER BY ph.plant_id`

	rows, err := r.gw.Query(ctx, query, summaryWindow)
	if err != nil {
		return nil, errors.Annotate(err, "failed to query plant action summary")
	}

	summaries := make([]entities.PlantActionSummary, 0, len(rows))
	for _, row := range rows {
		var s entities.PlantActionSummary
		s.PlantID, _ = row.Int64("plant_id")
		s.PlantName = row.String("plant_name")
		s.MeanHumidity, _ = row.Int64("mean_value")
		s.SinceLastRequest = elapsed(row, "last_watering_req")
		s.SinceLastSuccess = elapsed(row, "last_watering_successful")
		s.DefaultWatering, _ = row.Int64("default_watering")
		s.Location = row.String("plant_location")
		summaries = append(summaries, s)
	}
	logger.Debugf("got action summary for %d plants", len(summaries))
	return summaries, nil
}

// GetPlantLastDetections returns the last detection and last watering of every
// plant in the inventory, including plants that never reported.
func (r *SQLiteGardenRepository) GetPlantLastDetections(ctx context.Context) ([]entities.PlantRecap, error) {
	query := `
		SELECT pi2.plant_id, pi2.plant_name, pi2.nodemcu_id, pi2.owner, pi2.plant_location, pi2.plant_type,
			ph.plant_hum, ph.timestamp AS detection_ts, pw.water_quantity, pw.timestamp AS watering_ts
		FROM ` + plantInventory + ` pi2
		LEFT JOIN (
			SELECT h.plant_id, h.plant_hum, h.timestamp
			FROM ` + plantHistory + ` h
			JOIN (
				SELECT plant_id, MAX(detection_id) AS last_id
				FROM ` + plantHistory + `
				GROUP BY plant_id
			) tt ON h.detection_id = tt.last_id
		) ph ON ph.plant_id = pi2.plant_id
		LEFT JOIN (
			SELECT w.plant_id, w.water_quantity, w.timestamp
			FROM ` + plantWater + ` w
			JOIN (
				SELECT plant_id, MAX(watering_id) AS last_id
				FROM ` + plantWater + `
				GROUP BY plant_id
			) tt ON w.watering_id = tt.last_id
		) pw ON pw.plant_id = pi2.plant_id
		ORDER BY pi2.plant_id`

	rows, err := r.gw.Query(ctx, query)
	if err != nil {
		return nil, errors.Annotate(err, "failed to query plant recap")
	}

	recap := make([]entities.PlantRecap, 0, len(rows))
	for _, row := range rows {
		var pr entities.PlantRecap
		pr.PlantID, _ = row.Int64("plant_id")
		pr.PlantName = row.String("plant_name")
		pr.SensorID, _ = row.Int64("nodemcu_id")
		pr.Owner = row.String("owner")
		pr.Location = row.String("plant_location")
		pr.Type = row.String("plant_type")
		if hum, ok := row.Int64("plant_hum"); ok {
			pr.Humidity = &hum
		}
		if ts, ok := row.Time("detection_ts"); ok {
			pr.DetectionTime = &ts
		}
		if qty, ok := row.Int64("water_quantity"); ok {
			pr.WaterQuantity = &qty
		}
		if ts, ok := row.Time("watering_ts"); ok {
			pr.WateringTime = &ts
		}
		recap = append(recap, pr)
	}
	logger.Debugf("got recap for %d plants", len(recap))
	return recap, nil
}

// GetPlantStatistics returns the hourly mean humidity of a plant over the last days
func (r *SQLiteGardenRepository) GetPlantStatistics(ctx context.Context, plantID int64, days int) ([]entities.StatisticPoint, error) {
	if days <= 0 {
		return nil, errors.NotValidf("duration of %d days", days)
	}
	query := `
		SELECT plant_id, ROUND(AVG(plant_hum)) AS value, DATE(timestamp) AS date,
			CAST(strftime('%H', timestamp) AS INTEGER) AS hour
		FROM ` + plantHistory + `
		WHERE plant_id = ? AND timestamp > datetime('now', ?)
		GROUP BY DATE(timestamp), strftime('%H', timestamp)
		ORDER BY date, hour`

	rows, err := r.gw.Query(ctx, query, plantID, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to query statistics of plant %d", plantID)
	}

	points := make([]entities.StatisticPoint, 0, len(rows))
	for _, row := range rows {
		var p entities.StatisticPoint
		p.PlantID, _ = row.Int64("plant_id")
		p.Value, _ = row.Int64("value")
		p.Date = row.String("date")
		p.Hour, _ = row.Int64("hour")
		points = append(points, p)
	}
	return points, nil
}

// elapsed converts a column of elapsed seconds into a duration, nil when NULL
func elapsed(row Row, column string) *time.Duration {
	seconds, ok := row.Float64(column)
	if !ok {
		return nil
	}
	d := time.Duration(seconds * float64(time.Second))
	return &d
}

func int64Column(rows []Row, column string) []int64 {
	values := make([]int64, 0, len(rows))
	for _, row := range rows {
		if v, ok := row.Int64(column); ok {
			values = append(values, v)
		}
	}
	return values
}
