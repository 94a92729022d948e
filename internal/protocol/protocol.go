// Package protocol decodes bus topics and payloads into garden events.
//
// Topics are either "greeting" or "sensor/<sensor_id>". Payloads are
// underscore-delimited tokens whose first token, case-insensitive, selects the
// event kind:
//
//	s_<sensor_id>                  greeting
//	d2_<humidity>_<plant_num>      sensor detection
//	d_<humidity>_<sensor_id>       legacy detection, the topic id is the plant id
//	w_<watering_id>                watering acknowledgement
//
// Decoding validates arity and numbers once; anything else is Malformed.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Topics and prefixes of the bus
const (
	GreetingTopic     = "greeting"
	SensorTopicPrefix = "sensor/"
	PlantTopicPrefix  = "plant_id/"
)

// FaultHumidity is the first humidity value that can only come from a broken
// sensor or cabling
const FaultHumidity = 140

// TopicKind tells greeting topics from sensor topics
type TopicKind int

const (
	GreetingTopicKind TopicKind = iota + 1
	SensorTopicKind
)

// Topic is a parsed bus topic
type Topic struct {
	Kind TopicKind
	// SensorID is the numeric suffix of a sensor topic
	SensorID int64
}

// Event is one of Greeting, SensorDetection, LegacyDetection, WateringAck or Malformed
type Event interface {
	isEvent()
}

// Greeting announces a sensor on the greeting topic
type Greeting struct {
	SensorID int64
}

// SensorDetection is a humidity reading of the plant plugged as PlantNum on the sensor
type SensorDetection struct {
	SensorID int64
	Humidity int64
	PlantNum int64
}

// Faulty reports a reading no working sensor can produce
func (d SensorDetection) Faulty() bool {
	return d.Humidity >= FaultHumidity
}

// LegacyDetection is the deprecated detection addressed directly to a plant
type LegacyDetection struct {
	PlantID  int64
	Humidity int64
	SensorID int64
}

// WateringAck confirms that a watering request was carried out
type WateringAck struct {
	SensorID   int64
	WateringID int64
}

// Malformed is a message that cannot be turned into a domain event
type Malformed struct {
	Reason string
}

func (Greeting) isEvent()        {}
func (SensorDetection) isEvent() {}
func (LegacyDetection) isEvent() {}
func (WateringAck) isEvent()     {}
func (Malformed) isEvent()       {}

// Error makes a Malformed usable as an error value
func (m Malformed) Error() string {
	return m.Reason
}

// ParseTopic validates a bus topic
func ParseTopic(topic string) (Topic, error) {
	if topic == GreetingTopic {
		return Topic{Kind: GreetingTopicKind}, nil
	}
	suffix, ok := strings.CutPrefix(topic, SensorTopicPrefix)
	if !ok {
		return Topic{}, fmt.Errorf("invalid topic %q", topic)
	}
	id, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || id <= 0 {
		return Topic{}, fmt.Errorf("invalid sensor id in topic %q", topic)
	}
	return Topic{Kind: SensorTopicKind, SensorID: id}, nil
}

// Tokenize splits a payload into its tokens
func Tokenize(payload []byte) ([]string, error) {
	message := strings.TrimSpace(string(payload))
	tokens := strings.Split(message, "_")
	if len(tokens) < 2 {
		return nil, fmt.Errorf("invalid message %q", message)
	}
	return tokens, nil
}

// Decode turns the tokens received on topic into an event
func Decode(topic Topic, tokens []string) Event {
	if len(tokens) == 0 {
		return Malformed{Reason: "empty message"}
	}
	method := strings.ToLower(tokens[0])

	if topic.Kind == GreetingTopicKind {
		if method != "s" {
			return Malformed{Reason: fmt.Sprintf("unexpected method %q on greeting topic", tokens[0])}
		}
		values, err := numbers(tokens, 2)
		if err != nil {
			return Malformed{Reason: "greeting: " + err.Error()}
		}
		if values[0] <= 0 {
			return Malformed{Reason: fmt.Sprintf("greeting: invalid sensor id %d", values[0])}
		}
		return Greeting{SensorID: values[0]}
	}

	switch method {
	case "d2":
		values, err := numbers(tokens, 3)
		if err != nil {
			return Malformed{Reason: "detection: " + err.Error()}
		}
		return SensorDetection{SensorID: topic.SensorID, Humidity: values[0], PlantNum: values[1]}
	case "d":
		values, err := numbers(tokens, 3)
		if err != nil {
			return Malformed{Reason: "legacy detection: " + err.Error()}
		}
		return LegacyDetection{PlantID: topic.SensorID, Humidity: values[0], SensorID: values[1]}
	case "w":
		values, err := numbers(tokens, 2)
		if err != nil {
			return Malformed{Reason: "watering ack: " + err.Error()}
		}
		if values[0] <= 0 {
			return Malformed{Reason: fmt.Sprintf("watering ack: invalid watering id %d", values[0])}
		}
		return WateringAck{SensorID: topic.SensorID, WateringID: values[0]}
	case "s":
		return Malformed{Reason: "greeting outside the greeting topic"}
	default:
		return Malformed{Reason: fmt.Sprintf("unknown method %q", tokens[0])}
	}
}

// numbers checks the arity and parses every token after the method
func numbers(tokens []string, arity int) ([]int64, error) {
	if len(tokens) != arity {
		return nil, fmt.Errorf("expected %d tokens, got %d", arity, len(tokens))
	}
	values := make([]int64, 0, arity-1)
	for _, token := range tokens[1:] {
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token %q is not a number", token)
		}
		if v < 0 {
			return nil, fmt.Errorf("token %q is negative", token)
		}
		values = append(values, v)
	}
	return values, nil
}

// SensorTopic is the dedicated topic a sensor publishes on
func SensorTopic(sensorID int64) string {
	return SensorTopicPrefix + strconv.FormatInt(sensorID, 10)
}

// PlantTopic is the topic watering commands for a plant are published on
func PlantTopic(plantID int64) string {
	return PlantTopicPrefix + strconv.FormatInt(plantID, 10)
}

// WateringCommand encodes a watering order for the actuator
func WateringCommand(wateringID, seconds int64) string {
	return fmt.Sprintf("w_%d_%d", wateringID, seconds)
}
