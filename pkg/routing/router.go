// Package routing maps reading categories to bus topics.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
)

// ErrUnknownCategory is returned when a category has no configured topic.
var ErrUnknownCategory = errors.New("unknown sensor category")

// DefaultMapping is the built-in category to topic mapping.
func DefaultMapping() map[types.SensorType]string {
	return map[types.SensorType]string{
		types.SensorTypeTemperature: "sensor-temperature",
		types.SensorTypeHumidity:    "sensor-humidity",
		types.SensorTypeNDIR:        "sensor-ndir",
	}
}

// TopicRouter resolves a category to its topic. It is immutable after
// construction and safe for concurrent use.
type TopicRouter struct {
	mapping map[types.SensorType]string
}

// NewTopicRouter copies mapping and rejects empty topic names.
func NewTopicRouter(mapping map[types.SensorType]string) (*TopicRouter, error) {
	if len(mapping) == 0 {
		return nil, errors.New("topic mapping is empty")
	}
	m := make(map[types.SensorType]string, len(mapping))
	for category, topic := range mapping {
		if topic == "" {
			return nil, fmt.Errorf("category %q has an empty topic name", category)
		}
		m[category] = topic
	}
	return &TopicRouter{mapping: m}, nil
}

// Resolve returns the topic for category or an error wrapping ErrUnknownCategory.
func (r *TopicRouter) Resolve(category types.SensorType) (string, error) {
	topic, ok := r.mapping[category]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return topic, nil
}

// Topics returns the distinct configured topics, sorted.
func (r *TopicRouter) Topics() []string {
	seen := make(map[string]struct{}, len(r.mapping))
	out := make([]string, 0, len(r.mapping))
	for _, topic := range r.mapping {
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Categories returns the routable categories, sorted.
func (r *TopicRouter) Categories() []types.SensorType {
	out := make([]types.SensorType, 0, len(r.mapping))
	for category := range r.mapping {
		out = append(out, category)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mapping returns a copy of the category to topic mapping.
func (r *TopicRouter) Mapping() map[types.SensorType]string {
	m := make(map[types.SensorType]string, len(r.mapping))
	for k, v := range r.mapping {
		m[k] = v
	}
	return m
}
