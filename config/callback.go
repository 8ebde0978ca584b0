package config

import "sync"

// ConfigCallback fans a freshly built configuration out to the packages that
// keep global state derived from it, such as the logger.
type ConfigCallback[T any] struct {
	mu        sync.Mutex
	callbacks []func(T)
}

func (cc *ConfigCallback[T]) AddCallback(callback func(T)) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.callbacks = append(cc.callbacks, callback)
}

func (cc *ConfigCallback[T]) Call(value T) {
	cc.mu.Lock()
	callbacks := append([]func(T){}, cc.callbacks...)
	cc.mu.Unlock()

	for _, callback := range callbacks {
		callback(value)
	}
}
