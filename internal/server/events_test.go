package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardready/internal/devices"
)

type streamEvent struct {
	name string
	data string
}

func readStreamEvent(t *testing.T, reader *bufio.Reader) streamEvent {
	t.Helper()
	var event streamEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if event.name != "" {
				return event
			}
		case strings.HasPrefix(line, "event:"):
			event.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			event.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func openEventStream(t *testing.T, ctx context.Context, baseURL, token string) *bufio.Reader {
	t.Helper()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/events?access_token="+token, http.NoBody)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}
	return bufio.NewReader(response.Body)
}

func TestEventStreamDeliversStatusChanges(t *testing.T) {
	fixture := newRouterFixture(t, routerOptions{heartbeat: time.Hour})
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token := fixture.token(t, "user-1", "org-1")
	reader := openEventStream(t, ctx, server.URL, token)
	if event := readStreamEvent(t, reader); event.name != realtimeEventConnected {
		t.Fatalf("expected connected event, got %q", event.name)
	}

	device := fixture.createDevice(t, token, "Streamed")
	body, _ := json.Marshal(map[string]any{"status": "cancelled", "notes": "scrapped"})
	request, _ := http.NewRequestWithContext(ctx, http.MethodPut, server.URL+"/api/devices/"+device.ID+"/status", bytes.NewReader(body))
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("change status: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}

	event := readStreamEvent(t, reader)
	if event.name != string(devices.EventStatusChange) {
		t.Fatalf("expected status_change event, got %q", event.name)
	}
	var update struct {
		Type     string         `json:"type"`
		DeviceID string         `json:"deviceId"`
		Data     historyPayload `json:"data"`
		Source   string         `json:"source"`
	}
	if err := json.Unmarshal([]byte(event.data), &update); err != nil {
		t.Fatalf("decode update %q: %v", event.data, err)
	}
	if update.DeviceID != device.ID || update.Data.NewStatus != devices.StatusCancelled || update.Data.Notes != "scrapped" {
		t.Fatalf("unexpected update %+v", update)
	}
	if update.Source != realtimeSourceBackend {
		t.Fatalf("unexpected source %q", update.Source)
	}
}

func TestEventStreamSendsHeartbeats(t *testing.T) {
	fixture := newRouterFixture(t, routerOptions{heartbeat: 20 * time.Millisecond})
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reader := openEventStream(t, ctx, server.URL, fixture.token(t, "user-1", "org-1"))
	if event := readStreamEvent(t, reader); event.name != realtimeEventConnected {
		t.Fatalf("expected connected event, got %q", event.name)
	}
	if event := readStreamEvent(t, reader); event.name != realtimeEventHeartbeat {
		t.Fatalf("expected heartbeat event, got %q", event.name)
	}
}

func TestEventStreamRequiresSession(t *testing.T) {
	fixture := newRouterFixture(t, routerOptions{})
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/events", http.NoBody))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}
