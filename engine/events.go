package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"relaycrm/utils"
)

// TriggerEvent is a transient domain event produced by CRM mutation
// paths (tracking pixels, stage changes, reply detection). Not
// persisted; an event emitted while nothing is listening is lost.
type TriggerEvent struct {
	ProjectID   uint                   `json:"project_id"`
	TriggerType string                 `json:"trigger_type"`
	EntityType  string                 `json:"entity_type"`
	EntityID    uint                   `json:"entity_id"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventHandler consumes trigger events. The automation engine is the
// production handler.
type EventHandler interface {
	HandleEvent(event TriggerEvent) error
}

// EventBus is the fire-and-forget emission interface used by mutation
// handlers. Implementations must never propagate failures back to the
// caller. The transport is pluggable so a durable queue (e.g. an
// outbox table drained by the batch driver) can replace the in-process
// dispatch without changing call sites.
type EventBus interface {
	Emit(event TriggerEvent)
}

// InProcessBus dispatches events synchronously to a single handler.
// Matches the deployed behavior: no queueing, no retry, evaluation
// happens only if the process is alive when the event fires.
type InProcessBus struct {
	handler EventHandler
	logger  *logrus.Logger
}

func NewInProcessBus(handler EventHandler, logger *logrus.Logger) *InProcessBus {
	return &InProcessBus{
		handler: handler,
		logger:  logger,
	}
}

// Emit evaluates the event inline. Failures (including panics in a
// handler) are swallowed and logged; the emitting request must never
// fail because an automation did.
func (b *InProcessBus) Emit(event TriggerEvent) {
	defer func() {
		if r := recover(); r != nil {
			utils.LogError("automation_event_panic", fmt.Errorf("panic: %v", r), map[string]interface{}{
				"project_id":   event.ProjectID,
				"trigger_type": event.TriggerType,
				"entity_type":  event.EntityType,
				"entity_id":    event.EntityID,
			})
		}
	}()

	if err := b.handler.HandleEvent(event); err != nil {
		utils.LogError("automation_event_failed", err, map[string]interface{}{
			"project_id":   event.ProjectID,
			"trigger_type": event.TriggerType,
			"entity_type":  event.EntityType,
			"entity_id":    event.EntityID,
		})
	}
}
