package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestHubBroadcastIsScopedToTenant(t *testing.T) {
	hub := NewHub(4, nil)
	a := hub.Subscribe("tenant-a")
	b := hub.Subscribe("tenant-b")

	hub.Broadcast("tenant-a", EventSyncStatus, map[string]any{"processed": 1})

	select {
	case event := <-a.Events():
		if event.Type != EventSyncStatus || event.TenantID != "tenant-a" {
			t.Fatalf("unexpected event %+v", event)
		}
	default:
		t.Fatalf("expected tenant-a subscriber to receive the event")
	}
	select {
	case event := <-b.Events():
		t.Fatalf("tenant-b should not receive tenant-a events, got %+v", event)
	default:
	}
}

func TestHubDropsOnlySlowSubscriber(t *testing.T) {
	hub := NewHub(1, nil)
	slow := hub.Subscribe("tenant-a")
	fast := hub.Subscribe("tenant-a")

	hub.Broadcast("tenant-a", EventDocumentProcessing, nil)
	<-fast.Events()
	hub.Broadcast("tenant-a", EventDocumentProcessing, nil)

	select {
	case <-slow.Done():
	default:
		t.Fatalf("expected slow subscriber to be dropped")
	}
	select {
	case <-fast.Done():
		t.Fatalf("fast subscriber should survive")
	default:
	}
	if got := hub.SubscriberCount("tenant-a"); got != 1 {
		t.Fatalf("expected one remaining subscriber, got %d", got)
	}
	select {
	case <-fast.Events():
	default:
		t.Fatalf("expected fast subscriber to get the second event")
	}
}

func TestHubBroadcastWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub(0, nil)
	hub.Broadcast("nobody", EventError, "boom")
	if hub.SubscriberCount("nobody") != 0 {
		t.Fatalf("expected no subscribers")
	}
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(2, nil)
	sub := hub.Subscribe("tenant-a")
	hub.Close()
	select {
	case <-sub.Done():
	default:
		t.Fatalf("expected subscription to be closed")
	}
	late := hub.Subscribe("tenant-a")
	select {
	case <-late.Done():
	default:
		t.Fatalf("expected subscribe after close to return a closed subscription")
	}
}

func TestServeWebSocketStreamsEvents(t *testing.T) {
	hub := NewHub(8, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWebSocket(w, r, "tenant-a", nil)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount("tenant-a") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast("tenant-a", EventExpenseCreated, map[string]any{"amount": 12.5})

	var event Event
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if event.Type != EventExpenseCreated || event.TenantID != "tenant-a" {
		t.Fatalf("unexpected event %+v", event)
	}
	payload, ok := event.Payload.(map[string]any)
	if !ok || payload["amount"] != 12.5 {
		t.Fatalf("unexpected payload %#v", event.Payload)
	}
}

func TestServeWebSocketClosesWithGoingAwayOnHubClose(t *testing.T) {
	hub := NewHub(8, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWebSocket(w, r, "tenant-a", nil)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount("tenant-a") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	hub.Close()

	var event Event
	err = wsjson.Read(ctx, conn, &event)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got %v (%v)", got, err)
	}
}
