package actuation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/abelzeko/garden-controller/internal/config"
	"github.com/abelzeko/garden-controller/internal/entities"
	"github.com/abelzeko/garden-controller/internal/repository"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic, payload string
}

type fakeBus struct {
	mu       sync.Mutex
	messages []published
	err      error
}

func (b *fakeBus) Publish(topic, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.messages = append(b.messages, published{topic, payload})
	return nil
}

func (b *fakeBus) sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.messages...)
}

type fakeStore struct {
	mu       sync.Mutex
	requests []int64
}

func (s *fakeStore) AddWatering(_ context.Context, plantID, _ int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plantID == 404 {
		return 0, errors.NotFoundf("plant %d", plantID)
	}
	s.requests = append(s.requests, plantID)
	return int64(len(s.requests)), nil
}

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) Notify(text string) {
	n.messages = append(n.messages, text)
}

func testOptions() Options {
	return OptionsFromConfig(config.Default())
}

func TestWaterTime(t *testing.T) {
	assert.Equal(t, int64(3726), WaterTime(100, 1/34.26, 300))
	assert.Equal(t, int64(300), WaterTime(0, 1/34.26, 300))
	assert.Equal(t, int64(5439), WaterTime(150, 1/34.26, 300))
}

func TestWaterTime_ShippedConfig(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, config.Default().Watering.FlowRate, opts.FlowRate)
	assert.Equal(t, int64(3726), WaterTime(100, opts.FlowRate, opts.InitialDelay))
	assert.Equal(t, int64(5439), WaterTime(150, opts.FlowRate, opts.InitialDelay))
}

func TestRequestWatering(t *testing.T) {
	store, bus := &fakeStore{}, &fakeBus{}
	channel := NewChannel(store, bus, nil, testclock.NewClock(time.Now()), testOptions())

	id, err := channel.RequestWatering(context.Background(), 12, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, []published{{"plant_id/12", "w_1_3726"}}, bus.sent())
}

func TestRequestWatering_UnknownPlant(t *testing.T) {
	store, bus := &fakeStore{}, &fakeBus{}
	channel := NewChannel(store, bus, nil, testclock.NewClock(time.Now()), testOptions())

	_, err := channel.RequestWatering(context.Background(), 404, 100)
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Empty(t, bus.sent())
}

func TestRequestWatering_PublishFailureKeepsPendingRequest(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.NewSQLiteGardenRepository(filepath.Join(t.TempDir(), "garden.db"), 1)
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.Install(ctx))
	plantID, err := repo.AddPlant(ctx, entities.Plant{Name: "basil", SensorID: 7, PlantNum: 1})
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	bus := &fakeBus{err: errors.New("broker unreachable")}
	channel := NewChannel(repo, bus, notifier, testclock.NewClock(time.Now()), testOptions())

	wateringID, err := channel.RequestWatering(ctx, plantID, 100)
	assert.ErrorContains(t, err, "broker unreachable")
	require.NotZero(t, wateringID)

	wr, err := repo.GetWateringRequest(ctx, wateringID)
	require.NoError(t, err)
	assert.False(t, wr.Done)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "not sent")
}

func TestRequestWatering_NoBus(t *testing.T) {
	channel := NewChannel(&fakeStore{}, nil, nil, testclock.NewClock(time.Now()), testOptions())

	_, err := channel.RequestWatering(context.Background(), 12, 100)
	assert.ErrorContains(t, err, "bus not connected")
}

func TestTransmitActions_WaitsBetweenActions(t *testing.T) {
	store, bus := &fakeStore{}, &fakeBus{}
	clk := testclock.NewClock(time.Now())
	channel := NewChannel(store, bus, nil, clk, testOptions())

	actions := []entities.Action{
		{PlantID: 1, PlantName: "basil", WaterQuantity: 150},
		{PlantID: 2, PlantName: "mint", WaterQuantity: 0},
		{PlantID: 3, PlantName: "sage", WaterQuantity: 80},
	}

	type result struct {
		recap entities.WateringRecap
		err   error
	}
	done := make(chan result, 1)
	go func() {
		recap, err := channel.TransmitActions(context.Background(), actions)
		done <- result{recap, err}
	}()

	// The first command goes out immediately, the others after each wait
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, entities.WateringRecap{Actions: 3, Water: 330}, res.recap)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
	}

	sent := bus.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, published{"plant_id/2", "w_2_3726"}, sent[1])
}

func TestTransmitActions_TestMode(t *testing.T) {
	store, bus := &fakeStore{}, &fakeBus{}
	opts := testOptions()
	opts.IsTest = true
	opts.Wait = 0
	channel := NewChannel(store, bus, nil, testclock.NewClock(time.Now()), opts)

	recap, err := channel.TransmitActions(context.Background(), []entities.Action{
		{PlantID: 1, PlantName: "basil", WaterQuantity: 150},
		{PlantID: 2, PlantName: "mint", WaterQuantity: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, entities.WateringRecap{Actions: 2, Water: 200}, recap)
	assert.Empty(t, store.requests)
	assert.Empty(t, bus.sent())
}

func TestTransmitActions_FailuresAreCounted(t *testing.T) {
	store := &fakeStore{}
	opts := testOptions()
	opts.Wait = 0
	channel := NewChannel(store, &fakeBus{}, nil, testclock.NewClock(time.Now()), opts)

	recap, err := channel.TransmitActions(context.Background(), []entities.Action{
		{PlantID: 404, PlantName: "ghost", WaterQuantity: 100},
		{PlantID: 2, PlantName: "mint", WaterQuantity: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, entities.WateringRecap{Actions: 2, Water: 150, Failed: 1}, recap)
}

func TestTransmitActions_Interrupted(t *testing.T) {
	store, bus := &fakeStore{}, &fakeBus{}
	channel := NewChannel(store, bus, nil, testclock.NewClock(time.Now()), testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := channel.TransmitActions(ctx, []entities.Action{
			{PlantID: 1, PlantName: "basil", WaterQuantity: 100},
			{PlantID: 2, PlantName: "mint", WaterQuantity: 100},
		})
		done <- err
	}()

	assert.Eventually(t, func() bool { return len(bus.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("batch was not interrupted")
	}
	assert.Len(t, bus.sent(), 1)
}
