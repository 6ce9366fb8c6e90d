// Package events defines the outbound notification kinds, the typed
// fanout bus, and the fire-and-forget publisher in front of it.
package events

import (
	"time"

	"github.com/google/uuid"

	"chronod/pkg/logx"
)

// Event kinds emitted by the core.
const (
	JobCreated         = "job.created"
	JobUpdated         = "job.updated"
	JobDeleted         = "job.deleted"
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ScheduleChanged    = "schedule.changed"
)

// Payload is the wire shape attached to every event.
type Payload struct {
	JobID   uuid.UUID `json:"jobId"`
	JobName string    `json:"jobName"`

	Status       string `json:"status,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	OldExpression string `json:"oldExpression,omitempty"`
	NewExpression string `json:"newExpression,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher stamps and fans events out to the bus. Delivery is
// best-effort; nothing here can fail persistence.
type Publisher struct {
	bus Bus
	log logx.Logger
}

func NewPublisher(bus Bus, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{bus: bus, log: log}
}

func (p *Publisher) Publish(kind string, payload Payload) {
	if p == nil || p.bus == nil {
		return
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	p.log.Debug("event", logx.String("kind", kind), logx.String("job", payload.JobID.String()))
	p.bus.Publish(Event{Kind: kind, Time: payload.Timestamp, Payload: payload})
}
