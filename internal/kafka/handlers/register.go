package handlers

import (
	"vn.io.arda/dirsync/internal/kafka/registry"
)

// Register is a convenience alias so each handler file calls
// Register(...) instead of registry.Register(...), keeping imports
// minimal.
func Register(topic, eventType string, h registry.EventHandler) {
	registry.Register(topic, eventType, h)
}

// RegisterDirect registers a handler for topics that don't use
// eventType routing.
func RegisterDirect(topic string, h registry.EventHandler) {
	registry.Register(topic, "", h)
}
