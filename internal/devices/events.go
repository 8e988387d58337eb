package devices

import "time"

// EventType names the kinds of device updates pushed to subscribers.
type EventType string

const (
	EventStatusChange     EventType = "status_change"
	EventFileUpload       EventType = "file_upload"
	EventPackageGenerated EventType = "package_generated"
)

// Event describes a committed change to a device.
type Event struct {
	OrganizationID string
	DeviceID       string
	Type           EventType
	Data           any
	Timestamp      time.Time
}

// EventPublisher receives events after the change they describe is committed.
// Implementations must not block.
type EventPublisher interface {
	PublishDeviceEvent(event Event)
}

func (s *Service) publish(organizationID, deviceID string, eventType EventType, data any, at time.Time) {
	if s.events == nil {
		return
	}
	s.events.PublishDeviceEvent(Event{
		OrganizationID: organizationID,
		DeviceID:       deviceID,
		Type:           eventType,
		Data:           data,
		Timestamp:      at.UTC(),
	})
}
