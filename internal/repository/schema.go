package repository

// Table names of the garden store
const (
	plantInventory = "plant_inventory"
	plantHistory   = "plant_history"
	plantWater     = "plant_water"
)

// schemaStatements create the garden tables. Each one runs as its own gateway
// operation and is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + plantInventory + ` (
		plant_id INTEGER PRIMARY KEY AUTOINCREMENT,
		plant_name TEXT,
		plant_num INTEGER,
		nodemcu_id INTEGER,
		owner TEXT,
		plant_location TEXT,
		plant_type TEXT,
		default_watering INTEGER NOT NULL DEFAULT 150
	)`,
	`CREATE TABLE IF NOT EXISTS ` + plantHistory + ` (
		detection_id INTEGER PRIMARY KEY AUTOINCREMENT,
		plant_id INTEGER NOT NULL REFERENCES ` + plantInventory + `(plant_id),
		plant_hum INTEGER NOT NULL,
		nodemcu_id INTEGER,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS ` + plantWater + ` (
		watering_id INTEGER PRIMARY KEY AUTOINCREMENT,
		plant_id INTEGER NOT NULL REFERENCES ` + plantInventory + `(plant_id),
		water_quantity INTEGER NOT NULL,
		watering_done BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plant_history_plant_ts ON ` + plantHistory + `(plant_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_plant_water_plant_ts ON ` + plantWater + `(plant_id, timestamp DESC)`,
}
