package usecases

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/abelzeko/garden-controller/internal/actuation"
	"github.com/abelzeko/garden-controller/internal/config"
	"github.com/abelzeko/garden-controller/internal/decision"
	"github.com/abelzeko/garden-controller/internal/entities"
	"github.com/abelzeko/garden-controller/internal/repository"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	mu       sync.Mutex
	payloads map[string][]string
}

func (b *fakeBus) Publish(topic, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads[topic] = append(b.payloads[topic], payload)
	return nil
}

func newTestUseCase(t *testing.T, now time.Time, isTest bool) (*GardenUseCase, *repository.SQLiteGardenRepository, *fakeBus) {
	t.Helper()
	cfg := config.Default()
	cfg.Site.WaitWatering = 0
	cfg.Site.IsTest = isTest

	repo, err := repository.NewSQLiteGardenRepository(filepath.Join(t.TempDir(), "garden.db"), cfg.DB.PoolSize)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clk := testclock.NewClock(now)
	bus := &fakeBus{payloads: map[string][]string{}}
	engine := decision.NewEngine(repo, clk, decision.PolicyFromConfig(cfg.Watering), decision.NewSolarWindow(cfg))
	channel := actuation.NewChannel(repo, bus, nil, clk, actuation.OptionsFromConfig(cfg))

	uc := NewGardenUseCase(repo, engine, channel)
	require.NoError(t, uc.Install(context.Background()))
	return uc, repo, bus
}

func nightTime() time.Time {
	return time.Date(2026, time.October, 16, 3, 0, 0, 0, time.UTC)
}

func TestAddPlant_Validation(t *testing.T) {
	uc, _, _ := newTestUseCase(t, nightTime(), false)
	ctx := context.Background()

	_, err := uc.AddPlant(ctx, entities.Plant{Name: "  ", SensorID: 1})
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = uc.AddPlant(ctx, entities.Plant{Name: "basil"})
	assert.True(t, errors.Is(err, errors.NotValid))

	id, err := uc.AddPlant(ctx, entities.Plant{Name: " basil ", SensorID: 7, PlantNum: 1})
	require.NoError(t, err)
	recap, err := uc.GetRecap(ctx)
	require.NoError(t, err)
	require.Len(t, recap, 1)
	assert.Equal(t, id, recap[0].PlantID)
	assert.Equal(t, "basil", recap[0].PlantName)
}

func TestEvaluateWatering_EndToEnd(t *testing.T) {
	uc, repo, bus := newTestUseCase(t, nightTime(), false)
	ctx := context.Background()

	basil, err := uc.AddPlant(ctx, entities.Plant{Name: "basil", SensorID: 7, PlantNum: 1, DefaultWatering: 100})
	require.NoError(t, err)
	mint, err := uc.AddPlant(ctx, entities.Plant{Name: "mint", SensorID: 7, PlantNum: 2})
	require.NoError(t, err)

	_, err = uc.AddDetection(ctx, basil, 40, 7)
	require.NoError(t, err)
	_, err = uc.AddDetection(ctx, mint, 80, 7)
	require.NoError(t, err)

	recap, err := uc.EvaluateWatering(ctx)
	require.NoError(t, err)
	assert.Equal(t, entities.WateringRecap{Actions: 1, Water: 100}, recap)
	assert.Equal(t, []string{"w_1_3726"}, bus.payloads["plant_id/1"])

	wr, err := repo.GetWateringRequest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, basil, wr.PlantID)
	assert.False(t, wr.Done)

	// The pending request rate-limits the next cycle
	recap, err = uc.EvaluateWatering(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recap.Actions)

	require.NoError(t, uc.AckWatering(ctx, 1))
	wr, err = repo.GetWateringRequest(ctx, 1)
	require.NoError(t, err)
	assert.True(t, wr.Done)
}

func TestEvaluateWatering_TestMode(t *testing.T) {
	uc, _, bus := newTestUseCase(t, nightTime(), true)
	ctx := context.Background()

	basil, err := uc.AddPlant(ctx, entities.Plant{Name: "basil", SensorID: 7, PlantNum: 1})
	require.NoError(t, err)
	_, err = uc.AddDetection(ctx, basil, 20, 7)
	require.NoError(t, err)

	recap, err := uc.EvaluateWatering(ctx)
	require.NoError(t, err)
	assert.Equal(t, entities.WateringRecap{Actions: 1, Water: 150}, recap)
	assert.Empty(t, bus.payloads)
}

func TestEvaluateWatering_Daytime(t *testing.T) {
	uc, _, bus := newTestUseCase(t, time.Date(2026, time.October, 16, 13, 0, 0, 0, time.UTC), false)
	ctx := context.Background()

	basil, err := uc.AddPlant(ctx, entities.Plant{Name: "basil", SensorID: 7, PlantNum: 1})
	require.NoError(t, err)
	_, err = uc.AddDetection(ctx, basil, 20, 7)
	require.NoError(t, err)

	recap, err := uc.EvaluateWatering(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recap.Actions)
	assert.Empty(t, bus.payloads)
}

func TestAddWater(t *testing.T) {
	uc, _, bus := newTestUseCase(t, nightTime(), false)
	ctx := context.Background()

	_, err := uc.AddWater(ctx, 1, 0)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = uc.AddWater(ctx, 0, 100)
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = uc.AddWater(ctx, 99, 100)
	assert.True(t, errors.Is(err, errors.NotFound))

	basil, err := uc.AddPlant(ctx, entities.Plant{Name: "basil", SensorID: 7, PlantNum: 1})
	require.NoError(t, err)
	id, err := uc.AddWater(ctx, basil, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, []string{"w_1_7152"}, bus.payloads["plant_id/1"])
}

func TestGetStatistics(t *testing.T) {
	uc, _, _ := newTestUseCase(t, nightTime(), false)
	ctx := context.Background()

	_, err := uc.GetStatistics(ctx, 5, 1)
	assert.True(t, errors.Is(err, errors.NotFound))

	basil, err := uc.AddPlant(ctx, entities.Plant{Name: "basil", SensorID: 7, PlantNum: 1})
	require.NoError(t, err)
	_, err = uc.AddDetection(ctx, basil, 20, 7)
	require.NoError(t, err)

	points, err := uc.GetStatistics(ctx, basil, 1)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(20), points[0].Value)
}

func TestAddDetection_AndReadings(t *testing.T) {
	uc, _, _ := newTestUseCase(t, nightTime(), false)
	ctx := context.Background()

	basil, err := uc.AddPlant(ctx, entities.Plant{Name: "basil", SensorID: 7, PlantNum: 1})
	require.NoError(t, err)

	_, err = uc.AddDetection(ctx, basil, 140, 7)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = uc.AddDetection(ctx, basil, -1, 7)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = uc.AddDetection(ctx, 404, 40, 7)
	assert.True(t, errors.Is(err, errors.NotFound))

	_, err = uc.AddDetection(ctx, basil, 44, 7)
	require.NoError(t, err)
	_, err = uc.AddDetection(ctx, basil, 39, 7)
	require.NoError(t, err)

	readings, err := uc.GetReadings(ctx, basil)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, int64(44), readings[0].Humidity)
	assert.Equal(t, int64(39), readings[1].Humidity)
	assert.Equal(t, int64(7), readings[1].SensorID)

	_, err = uc.GetReadings(ctx, 404)
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestFormatRecap(t *testing.T) {
	uc := &GardenUseCase{}
	hum, qty := int64(35), int64(150)
	at := time.Date(2026, time.October, 16, 3, 0, 0, 0, time.UTC)

	text := uc.FormatRecap([]entities.PlantRecap{
		{PlantID: 1, PlantName: "basil", Location: "Milano", Humidity: &hum, DetectionTime: &at, WaterQuantity: &qty},
		{PlantID: 2, PlantName: "mint"},
	})
	assert.Contains(t, text, "🌱 basil #1 (Milano)")
	assert.Contains(t, text, "💧 Humidity: 35% at 2026-10-16 03:00:00")
	assert.Contains(t, text, "🚿 Last watering: 150ml")
	assert.Contains(t, text, "🌱 mint #2\n💧 No detection yet")

	assert.Equal(t, "No plant registered yet.", uc.FormatRecap(nil))
}
