// Package config builds the immutable service configuration
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("garden.config")

// DefaultPath is where the configuration file is looked up when none is given
const DefaultPath = "config/config.yaml"

// Config is built once at startup and passed by value to every component
type Config struct {
	Log       LogConfig                 `yaml:"log"`
	Site      SiteConfig                `yaml:"site"`
	DB        DBConfig                  `yaml:"db"`
	MQTT      MQTTConfig                `yaml:"mqtt"`
	Telegram  TelegramConfig            `yaml:"telegram"`
	Watering  WateringConfig            `yaml:"watering"`
	Locations map[string]GeoCoordinates `yaml:"locations"`
}

// LogConfig selects the log destination and level
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// SiteConfig holds the outer-surface and scheduling settings
type SiteConfig struct {
	Port         int           `yaml:"port"`
	CORS         []string      `yaml:"cors"`
	IsTest       bool          `yaml:"is_test"`
	Recurrence   int           `yaml:"recurrence"`
	WaitWatering time.Duration `yaml:"wait_watering"`
	Workers      int           `yaml:"dispatch_workers"`
}

// DBConfig locates the relational store
type DBConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// MQTTConfig locates the message bus
type MQTTConfig struct {
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"client_id"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	KeepAlive time.Duration `yaml:"keepalive"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TelegramConfig enables the operator bot when a token is set
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// WateringConfig holds the policy thresholds and the actuator calibration
type WateringConfig struct {
	HumidityThreshold  int64         `yaml:"humidity_threshold"`
	MinBetweenWatering time.Duration `yaml:"min_between_watering"`
	MinBetweenRequests time.Duration `yaml:"min_between_requests"`
	FlowRate           float64       `yaml:"flow_rate"`
	InitialDelay       int64         `yaml:"initial_delay"`
}

// GeoCoordinates place a location label on the globe for the solar computation
type GeoCoordinates struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// Default returns the configuration used when no file overrides it
func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "DEBUG",
		},
		Site: SiteConfig{
			Port:         5001,
			CORS:         []string{"http://localhost:3000"},
			IsTest:       false,
			Recurrence:   15,
			WaitWatering: 60 * time.Second,
			Workers:      8,
		},
		DB: DBConfig{
			Path:     "data/garden.db",
			PoolSize: 1,
		},
		MQTT: MQTTConfig{
			Broker:    "tcp://localhost:1883",
			KeepAlive: 60 * time.Second,
			Timeout:   10 * time.Second,
		},
		Watering: WateringConfig{
			HumidityThreshold:  50,
			MinBetweenWatering: 120 * time.Minute,
			MinBetweenRequests: 15 * time.Minute,
			FlowRate:           1 / 34.26,
			InitialDelay:       300,
		},
		Locations: map[string]GeoCoordinates{},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies the
// environment (and a .env file when present). A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		logger.Warningf("missing config file %q - using default configuration", path)
	case err != nil:
		return Config{}, errors.Annotatef(err, "cannot read config file %q", path)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "cannot parse config file %q", path)
		}
	}

	// .env is optional, values already set in the environment win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warningf("cannot load .env file: %v", err)
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// applyEnv overrides the settings that are commonly injected by the environment
func applyEnv(cfg *Config) {
	if v := os.Getenv("GARDEN_DB_PATH"); v != "" {
		cfg.DB.Path = v
	}
	if v := os.Getenv("GARDEN_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("GARDEN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("GARDEN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("GARDEN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GARDEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Site.Port = port
		} else {
			logger.Warningf("ignoring invalid GARDEN_PORT %q", v)
		}
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		} else {
			logger.Warningf("ignoring invalid TELEGRAM_CHAT_ID %q", v)
		}
	}
}

// Validate rejects settings no component can run with
func (c Config) Validate() error {
	switch {
	case c.Site.Recurrence <= 0:
		return errors.NotValidf("recurrence %d", c.Site.Recurrence)
	case c.Site.Workers <= 0:
		return errors.NotValidf("dispatch workers %d", c.Site.Workers)
	case c.Site.WaitWatering < 0:
		return errors.NotValidf("wait watering %s", c.Site.WaitWatering)
	case c.DB.PoolSize <= 0:
		return errors.NotValidf("db pool size %d", c.DB.PoolSize)
	case c.DB.Path == "":
		return errors.NotValidf("empty db path")
	case c.Watering.FlowRate <= 0:
		return errors.NotValidf("flow rate %v", c.Watering.FlowRate)
	case c.Watering.InitialDelay < 0:
		return errors.NotValidf("initial delay %d", c.Watering.InitialDelay)
	}
	return nil
}

// Coordinates resolves a plant location label
func (c Config) Coordinates(location string) (GeoCoordinates, bool) {
	geo, ok := c.Locations[location]
	return geo, ok
}
