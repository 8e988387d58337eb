package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
)

const (
	realtimeEventConnected = "connected"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "boardready-backend"
	realtimeBufferSize     = 16
)

// DeviceUpdate is one realtime message delivered to an organization's subscribers.
type DeviceUpdate struct {
	OrganizationID string    `json:"-"`
	Type           string    `json:"type"`
	DeviceID       string    `json:"deviceId"`
	Data           any       `json:"data"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source"`
}

// RealtimeDispatcher fans device updates out to the subscribers of each
// organization. Slow subscribers lose messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan DeviceUpdate
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a subscriber for the organization until ctx ends or the
// returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, organizationID string) (<-chan DeviceUpdate, func()) {
	if organizationID == "" {
		ch := make(chan DeviceUpdate)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan DeviceUpdate, d.bufferSize),
	}
	d.registerSubscriber(organizationID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(organizationID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the update to every current subscriber of its organization.
func (d *RealtimeDispatcher) Publish(message DeviceUpdate) {
	if message.OrganizationID == "" || message.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.OrganizationID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishDeviceEvent adapts committed device events to realtime updates.
func (d *RealtimeDispatcher) PublishDeviceEvent(event devices.Event) {
	d.Publish(DeviceUpdate{
		OrganizationID: event.OrganizationID,
		Type:           string(event.Type),
		DeviceID:       event.DeviceID,
		Data:           eventDataPayload(event.Data),
		Timestamp:      event.Timestamp,
		Source:         realtimeSourceBackend,
	})
}

// SubscriberCount reports how many streams are open for the organization.
func (d *RealtimeDispatcher) SubscriberCount(organizationID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[organizationID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(organizationID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[organizationID]; !ok {
		d.subscribers[organizationID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[organizationID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(organizationID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[organizationID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, organizationID)
		}
	}
	d.mu.Unlock()
}
