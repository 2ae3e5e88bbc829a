// Package broadcast fans session and job updates out to in-process
// subscribers and to external notification sinks.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/krpothula/cryoprocess-sub001/internal/logging"
	"github.com/krpothula/cryoprocess-sub001/internal/models"
)

// EventType discriminates broadcast payloads.
type EventType string

const (
	EventSessionUpdate EventType = "live_session_update"
	EventJobUpdate     EventType = "job_update"
)

// Level grades an event for display.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one update delivered to subscribers.
type Event struct {
	Type      EventType          `json:"type"`
	ProjectID string             `json:"projectId"`
	SessionID string             `json:"sessionId"`
	JobID     string             `json:"jobId,omitempty"`
	Status    string             `json:"status,omitempty"`
	Stage     models.StageType   `json:"stage,omitempty"`
	Level     Level              `json:"level"`
	Message   string             `json:"message,omitempty"`
	Counts    models.StageCounts `json:"counts,omitzero"`
	Time      time.Time          `json:"time"`
}

// subscription is one registered listener.
type subscription struct {
	projectID string // empty matches all projects
	ch        chan Event
}

// Broadcaster delivers events to subscribers without ever blocking the
// publisher. A slow subscriber loses events and the loss is counted.
type Broadcaster struct {
	logger *logging.Logger

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int

	dropped atomic.Uint64
}

// New creates a broadcaster.
func New(logger *logging.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[int]*subscription),
	}
}

// Subscribe registers a listener for one project, or for all projects
// when projectID is empty. The returned cancel func unregisters and
// closes the channel.
func (b *Broadcaster) Subscribe(projectID string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	sub := &subscription{projectID: projectID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish sends the event to every matching subscriber. Full subscriber
// channels drop the event rather than stall the pipeline.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.projectID != "" && sub.projectID != ev.ProjectID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug().
				Str("type", string(ev.Type)).
				Str("project", ev.ProjectID).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount reports the current number of registered listeners.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
