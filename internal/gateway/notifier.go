package gateway

import (
	"sync"
	"time"

	"glance/internal/gateway/websocket"
	"glance/internal/widget"
	"glance/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// Publisher delivers typed messages to websocket clients.
type Publisher interface {
	PublishTyped(messageType, topic string, payload any) error
}

// EventRecorder counts published events.
type EventRecorder interface {
	RecordWebsocketEvent(messageType string)
}

// DefinitionChange is the payload of a definition_changed message.
type DefinitionChange struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Slug   string `json:"slug"`
}

// InstanceUpdate is the payload of a widget_updated message.
type InstanceUpdate struct {
	InstanceID string    `json:"instance_id"`
	WidgetID   string    `json:"widget_id"`
	FetchedAt  time.Time `json:"fetched_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Notifier turns cache writes, refresh requests and definition changes into
// websocket messages. Cache writes are debounced per instance so a burst of
// deposits yields one widget_updated message carrying the latest entry.
type Notifier struct {
	hub    Publisher
	events EventRecorder
	delay  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	latest  map[string]*widget.CachedData
	stopped bool
}

// NewNotifier creates a notifier. events may be nil.
func NewNotifier(hub Publisher, events EventRecorder) *Notifier {
	return &Notifier{
		hub:     hub,
		events:  events,
		delay:   debounceDelay,
		pending: make(map[string]*time.Timer),
		latest:  make(map[string]*widget.CachedData),
	}
}

// WidgetUpdated schedules a widget_updated message on the instance's topic.
func (n *Notifier) WidgetUpdated(entry *widget.CachedData) {
	if entry == nil {
		return
	}
	id := entry.WidgetInstanceID

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}

	n.latest[id] = entry
	if timer, ok := n.pending[id]; ok {
		timer.Stop()
	}
	n.pending[id] = time.AfterFunc(n.delay, func() {
		n.mu.Lock()
		latest := n.latest[id]
		delete(n.latest, id)
		delete(n.pending, id)
		stopped := n.stopped
		n.mu.Unlock()

		if stopped || latest == nil {
			return
		}
		n.publish(websocket.TypeWidgetUpdated, id, InstanceUpdate{
			InstanceID: latest.WidgetInstanceID,
			WidgetID:   latest.CustomWidgetID,
			FetchedAt:  latest.FetchedAt,
			ExpiresAt:  latest.ExpiresAt,
		})
	})
}

// RefreshRequested broadcasts a refresh_requested message to every client.
func (n *Notifier) RefreshRequested(req widget.PendingRefresh) {
	n.publish(websocket.TypeRefreshRequested, "", req)
}

// DefinitionChanged broadcasts a definition_changed message to every client.
func (n *Notifier) DefinitionChanged(action string, def *widget.Definition) {
	if def == nil {
		return
	}
	n.publish(websocket.TypeDefinitionChanged, "", DefinitionChange{Action: action, ID: def.ID, Slug: def.Slug})
}

// InstanceDeleted drops a pending update for a removed instance.
func (n *Notifier) InstanceDeleted(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if timer, ok := n.pending[id]; ok {
		timer.Stop()
		delete(n.pending, id)
	}
	delete(n.latest, id)
}

// Stop cancels pending updates. Later calls publish nothing.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	for id, timer := range n.pending {
		timer.Stop()
		delete(n.pending, id)
	}
	n.latest = make(map[string]*widget.CachedData)
}

func (n *Notifier) publish(messageType, topic string, payload any) {
	n.mu.Lock()
	stopped := n.stopped
	n.mu.Unlock()
	if stopped {
		return
	}

	if err := n.hub.PublishTyped(messageType, topic, payload); err != nil {
		logger.Error().Err(err).Str("type", messageType).Msg("Failed to publish websocket message")
		return
	}
	if n.events != nil {
		n.events.RecordWebsocketEvent(messageType)
	}
	logger.Debug().Str("type", messageType).Str("topic", topic).Msg("Published websocket message")
}
