package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "org-1")
	defer cleanup()

	dispatcher.Publish(DeviceUpdate{
		OrganizationID: "org-1",
		Type:           string(devices.EventStatusChange),
		DeviceID:       "device-a",
		Timestamp:      time.Now().UTC(),
		Source:         realtimeSourceBackend,
	})

	select {
	case received := <-stream:
		if received.Type != string(devices.EventStatusChange) {
			t.Fatalf("expected event type %s, got %s", devices.EventStatusChange, received.Type)
		}
		if received.DeviceID != "device-a" {
			t.Fatalf("expected device-a, got %s", received.DeviceID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByOrganization(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orgStream, cleanup := dispatcher.Subscribe(ctx, "org-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "org-3")
	defer otherCleanup()

	dispatcher.Publish(DeviceUpdate{
		OrganizationID: "org-3",
		Type:           string(devices.EventFileUpload),
		DeviceID:       "device-c",
		Timestamp:      time.Now().UTC(),
	})

	select {
	case <-orgStream:
		t.Fatal("did not expect realtime message for unrelated organization")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.OrganizationID != "org-3" {
			t.Fatalf("expected org-3, received %s", msg.OrganizationID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed organization")
	}
}

func TestRealtimeDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "org-1")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for index := 0; index < realtimeBufferSize*3; index++ {
			dispatcher.Publish(DeviceUpdate{OrganizationID: "org-1", Type: string(devices.EventFileUpload)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	if got := len(stream); got != realtimeBufferSize {
		t.Fatalf("expected %d buffered messages, got %d", realtimeBufferSize, got)
	}
}

func TestRealtimeDispatcherCleanupOnContextCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "org-1")
	defer cleanup()
	if got := dispatcher.SubscriberCount("org-1"); got != 1 {
		t.Fatalf("expected one subscriber, got %d", got)
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("org-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after context cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}

func TestPublishDeviceEventConvertsPayload(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "org-1")
	defer cleanup()

	dispatcher.PublishDeviceEvent(devices.Event{
		OrganizationID: "org-1",
		DeviceID:       "device-a",
		Type:           devices.EventFileUpload,
		Data:           devices.DeviceFile{ID: "file-1", DeviceID: "device-a", FileType: devices.FileTypeGerberZip},
		Timestamp:      time.Now().UTC(),
	})

	select {
	case received := <-stream:
		payload, ok := received.Data.(filePayload)
		if !ok {
			t.Fatalf("expected file payload, got %T", received.Data)
		}
		if payload.ID != "file-1" || payload.FileType != devices.FileTypeGerberZip {
			t.Fatalf("unexpected payload %+v", payload)
		}
		if received.Source != realtimeSourceBackend {
			t.Fatalf("expected source %s, got %s", realtimeSourceBackend, received.Source)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestSubscribeWithoutOrganizationReturnsClosedStream(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()
	if _, open := <-stream; open {
		t.Fatal("expected closed stream")
	}
}
