// ABOUTME: Fans conversation events out to dashboard topics and the export bus
// ABOUTME: Lifecycle events also reach the organization-wide topic

package bridge

import (
	"github.com/2389/switchboard-gateway/internal/events"
	"github.com/2389/switchboard-gateway/internal/hub"
)

// Broadcaster delivers a message to the union of topic subscribers.
type Broadcaster interface {
	BroadcastTopics(msg any, topics ...string) int
}

// Exporter queues events for the message bus.
type Exporter interface {
	Enqueue(ev events.Event) bool
}

// orgWide lists event types dashboards see without opening the conversation.
var orgWide = map[string]bool{
	events.TypeCallInitiated:          true,
	events.TypeCallEnded:              true,
	events.TypeSMSReceived:            true,
	events.TypeConversationTakenOver:  true,
	events.TypeConversationReleased:   true,
	events.TypeHumanTransferRequested: true,
}

// Emitter sends events to dashboards and, if configured, the export bus.
type Emitter struct {
	hub    Broadcaster
	export Exporter
}

// NewEmitter creates an Emitter. export may be nil.
func NewEmitter(b Broadcaster, export Exporter) *Emitter {
	return &Emitter{hub: b, export: export}
}

// Emit broadcasts ev and returns the number of connections it reached.
func (e *Emitter) Emit(ev events.Event) int {
	if e.export != nil {
		e.export.Enqueue(ev)
	}
	if e.hub == nil {
		return 0
	}

	topics := make([]string, 0, 2)
	if ev.ConversationID != "" {
		topics = append(topics, hub.ConversationTopic(ev.ConversationID))
	}
	if ev.OrganizationID != "" && (orgWide[ev.Type] || ev.ConversationID == "") {
		topics = append(topics, hub.OrganizationTopic(ev.OrganizationID))
	}
	return e.hub.BroadcastTopics(ev, topics...)
}
