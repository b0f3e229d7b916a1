package broker

import (
	"fmt"
	"sort"
	"sync"
)

// ProducerFactory creates a producer from a configuration
type ProducerFactory func(ClientConfig) (ProducerClient, error)

// ConsumerFactory creates a consumer from a configuration
type ConsumerFactory func(ClientConfig) (ConsumerClient, error)

var (
	producerFactories = make(map[string]ProducerFactory)
	consumerFactories = make(map[string]ConsumerFactory)
	factoryMu         sync.RWMutex
)

// RegisterProducer registers a producer factory for a driver name
func RegisterProducer(driver string, factory ProducerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	producerFactories[driver] = factory
}

// RegisterConsumer registers a consumer factory for a driver name
func RegisterConsumer(driver string, factory ConsumerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	consumerFactories[driver] = factory
}

// NewProducerClient builds a producer with the driver named in config
func NewProducerClient(config ClientConfig) (ProducerClient, error) {
	factoryMu.RLock()
	factory, exists := producerFactories[config.Driver]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown broker driver: %s", config.Driver)
	}
	return factory(config)
}

// NewConsumerClient builds a consumer with the driver named in config
func NewConsumerClient(config ClientConfig) (ConsumerClient, error) {
	factoryMu.RLock()
	factory, exists := consumerFactories[config.Driver]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown broker driver: %s", config.Driver)
	}
	return factory(config)
}

// Drivers lists the registered driver names
func Drivers() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(producerFactories))
	for name := range producerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
