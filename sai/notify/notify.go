// Package notify fans task/event/builder state changes out to the web
// bridge over the in-process event bus, satisfying sai/scheduler's
// Notifier interface so the scheduler never needs to know who, if anyone,
// is listening.
package notify

import (
	"go.skia.org/sai/go/eventbus"
	"go.skia.org/sai/sai/types"
	"go.skia.org/sai/sai/wire"
)

// Channel names published on the bus; sai/httpapi's web bridge subscribes
// to all of them and relays each as the matching wire schema.
const (
	ChannelTaskChange  = wire.SchemaTaskChange
	ChannelEventChange = wire.SchemaEventChange
	ChannelBuilders    = wire.SchemaBuilders
)

// Hub wraps an EventBus with the specific publish shapes the rest of the
// system needs, so callers never touch raw channel names or construct
// wire messages themselves.
type Hub struct {
	bus *eventbus.EventBus
}

// New returns a Hub over a fresh, empty EventBus.
func New() *Hub {
	return &Hub{bus: eventbus.New()}
}

// Subscribe registers cb for channel, delivered asynchronously (one
// goroutine per publish, never blocking the publisher).
func (h *Hub) Subscribe(channel string, cb eventbus.Callback) {
	h.bus.SubscribeAsync(channel, cb)
}

// TaskChanged implements sai/scheduler.Notifier.
func (h *Hub) TaskChanged(taskUUID string, state types.EventState) {
	h.bus.Publish(ChannelTaskChange, wire.NewTaskChange(taskUUID, string(state)), true)
}

// EventChanged implements sai/scheduler.Notifier.
func (h *Hub) EventChanged(eventUUID string, state types.EventState) {
	h.bus.Publish(ChannelEventChange, wire.NewEventChange(eventUUID, string(state)), true)
}

// BuildersChanged broadcasts the given builder set on ChannelBuilders.
// Builder connects, disconnects and load reports handled by sai/httpapi do
// not call it.
func (h *Hub) BuildersChanged(builders []*types.BuilderRegistration) {
	h.bus.Publish(ChannelBuilders, builders, true)
}
