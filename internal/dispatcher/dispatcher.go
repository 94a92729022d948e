// Package dispatcher turns inbound bus messages into garden operations
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/abelzeko/garden-controller/internal/protocol"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/semaphore"
)

var logger = loggo.GetLogger("garden.dispatcher")

// DefaultWorkers bounds the number of messages handled at the same time
const DefaultWorkers = 8

// Subscriber is the part of the bus the dispatcher listens on. The handler
// receives the raw topic and payload of every message.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// Store is the part of the garden repository the dispatcher writes to
type Store interface {
	GetPlantID(ctx context.Context, sensorID, plantNum int64) (int64, error)
	AddDetection(ctx context.Context, plantID, humidity, sensorID int64) (int64, error)
	AckWatering(ctx context.Context, wateringID int64) error
}

// Notifier alerts the operator
type Notifier interface {
	Notify(text string)
}

// State is the stage a message reached in the dispatcher
type State string

const (
	Received    State = "RECEIVED"
	TopicParsed State = "TOPIC_PARSED"
	Tokenized   State = "TOKENIZED"
	Dispatched  State = "DISPATCHED"
	Rejected    State = "REJECTED"
)

// Result is the terminal outcome of one message
type Result struct {
	State State
	Event protocol.Event
	// Err is the reason of a rejection or the failure of the handler
	Err error
}

// Dispatcher decodes messages on a bounded pool of workers and keeps the
// registry of sensors it is subscribed to
type Dispatcher struct {
	store    Store
	bus      Subscriber
	notifier Notifier

	ctx    context.Context
	cancel context.CancelFunc
	pool   *semaphore.Weighted
	wg     sync.WaitGroup

	mu      sync.Mutex
	sensors map[int64]struct{}
	closed  bool
}

// New creates a dispatcher. A nil notifier disables operator alerts.
func New(store Store, bus Subscriber, notifier Notifier, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		bus:      bus,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
		pool:     semaphore.NewWeighted(int64(workers)),
		sensors:  make(map[int64]struct{}),
	}
}

// Start subscribes to the greeting topic and to the topic of every sensor
// already known
func (d *Dispatcher) Start(sensorIDs []int64) error {
	if err := d.bus.Subscribe(protocol.GreetingTopic, d.HandleMessage); err != nil {
		return errors.Annotate(err, "cannot subscribe to greetings")
	}
	logger.Infof("subscribed to %q", protocol.GreetingTopic)

	for _, sensorID := range sensorIDs {
		if _, err := d.register(sensorID); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// KnownSensors lists the sensors the dispatcher is subscribed to
func (d *Dispatcher) KnownSensors() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.sensors))
	for id := range d.sensors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HandleMessage is the bus callback. Errors are logged, never returned.
func (d *Dispatcher) HandleMessage(topic string, payload []byte) {
	if err := d.Submit(topic, payload); err != nil {
		logger.Warningf("message on %q dropped: %v", topic, err)
	}
}

// Submit queues a message on the worker pool. It blocks while every worker is
// busy and fails once the dispatcher is closed.
func (d *Dispatcher) Submit(topic string, payload []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("dispatcher closed")
	}
	d.wg.Add(1)
	d.mu.Unlock()

	if err := d.pool.Acquire(d.ctx, 1); err != nil {
		d.wg.Done()
		return errors.Annotate(err, "no worker available")
	}
	// Copy the payload, the transport may reuse its buffer
	message := append([]byte(nil), payload...)
	go func() {
		defer d.wg.Done()
		defer d.pool.Release(1)
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic while handling %q on %q: %v", message, topic, r)
			}
		}()
		d.Process(d.ctx, topic, message)
	}()
	return nil
}

// Close stops accepting messages and waits for the ones in flight
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

// Process runs one message through the dispatcher in the calling goroutine
func (d *Dispatcher) Process(ctx context.Context, topic string, payload []byte) Result {
	logger.Debugf("message on %q: %q", topic, payload)
	res := Result{State: Received}

	parsed, err := protocol.ParseTopic(topic)
	if err != nil {
		logger.Warningf("cannot parse this message [%v]", err)
		return reject(res, err)
	}
	res.State = TopicParsed

	tokens, err := protocol.Tokenize(payload)
	if err != nil {
		logger.Warningf("invalid message received on %q [%v]", topic, err)
		return reject(res, err)
	}
	res.State = Tokenized

	res.Event = protocol.Decode(parsed, tokens)
	if malformed, ok := res.Event.(protocol.Malformed); ok {
		logger.Warningf("cannot manage message %q on %q [%s]", payload, topic, malformed.Reason)
		return reject(res, malformed)
	}

	res.State = Dispatched
	res.Err = d.handle(ctx, res.Event)
	return res
}

func reject(res Result, err error) Result {
	res.State = Rejected
	res.Err = err
	return res
}

// handle applies a decoded event. Domain failures are logged here.
func (d *Dispatcher) handle(ctx context.Context, event protocol.Event) error {
	switch e := event.(type) {
	case protocol.Greeting:
		subscribed, err := d.register(e.SensorID)
		if err != nil {
			logger.Errorf("cannot subscribe sensor %d: %v", e.SensorID, err)
			return err
		}
		if !subscribed {
			logger.Infof("sensor %d reconnected", e.SensorID)
		}
		return nil

	case protocol.SensorDetection:
		if e.Faulty() {
			logger.Warningf("sensor fault: sensor %d reported %d%% for plant #%d, reading discarded", e.SensorID, e.Humidity, e.PlantNum)
			d.notify(fmt.Sprintf("⚠️ Sensor %d fault: humidity %d%% on plant #%d", e.SensorID, e.Humidity, e.PlantNum))
			return nil
		}
		plantID, err := d.store.GetPlantID(ctx, e.SensorID, e.PlantNum)
		if err != nil {
			logger.Warningf("detection from sensor %d ignored: %v", e.SensorID, err)
			return err
		}
		if _, err := d.store.AddDetection(ctx, plantID, e.Humidity, e.SensorID); err != nil {
			logger.Warningf("cannot store detection of plant %d: %v", plantID, err)
			return err
		}
		logger.Debugf("added detection - plant %d - hum: %d - sensor: %d", plantID, e.Humidity, e.SensorID)
		return nil

	case protocol.LegacyDetection:
		if _, err := d.store.AddDetection(ctx, e.PlantID, e.Humidity, e.SensorID); err != nil {
			logger.Warningf("cannot store legacy detection of plant %d: %v", e.PlantID, err)
			return err
		}
		logger.Debugf("added legacy detection - plant %d - hum: %d - sensor: %d", e.PlantID, e.Humidity, e.SensorID)
		return nil

	case protocol.WateringAck:
		if err := d.store.AckWatering(ctx, e.WateringID); err != nil {
			logger.Warningf("cannot ack watering %d from sensor %d: %v", e.WateringID, e.SensorID, err)
			return err
		}
		logger.Infof("watering %d completed", e.WateringID)
		return nil
	}
	return errors.Errorf("unhandled event %T", event)
}

// register subscribes to the topic of a new sensor. It reports false when the
// sensor was already known.
func (d *Dispatcher) register(sensorID int64) (bool, error) {
	d.mu.Lock()
	if _, ok := d.sensors[sensorID]; ok {
		d.mu.Unlock()
		return false, nil
	}
	d.sensors[sensorID] = struct{}{}
	d.mu.Unlock()

	topic := protocol.SensorTopic(sensorID)
	if err := d.bus.Subscribe(topic, d.HandleMessage); err != nil {
		d.mu.Lock()
		delete(d.sensors, sensorID)
		d.mu.Unlock()
		return false, errors.Annotatef(err, "cannot subscribe to %q", topic)
	}
	logger.Infof("subscribed to %q", topic)
	return true, nil
}

func (d *Dispatcher) notify(text string) {
	if d.notifier != nil {
		d.notifier.Notify(text)
	}
}
