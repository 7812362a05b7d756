package greenapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(serverURL string) *Client {
	return New(Config{
		BaseURL:      serverURL,
		InstanceID:   "1101000001",
		Token:        "test-token",
		Timeout:      5 * time.Second,
		SendRetryMax: 2 * time.Second,
	}, nil)
}

func TestSendMessage(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["chatId"] != "79990000000@c.us" {
			t.Errorf("unexpected chatId: %s", payload["chatId"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"idMessage": "msg-100"})
	}))
	defer server.Close()

	ack, err := newTestClient(server.URL).SendMessage(context.Background(), "79990000000@c.us", "Здравствуйте!")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if ack != "msg-100" {
		t.Fatalf("expected ack msg-100, got %s", ack)
	}
	if !strings.Contains(gotPath, "/waInstance1101000001/sendMessage/test-token") {
		t.Fatalf("unexpected endpoint path: %s", gotPath)
	}
}

func TestSendMessageRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "temporarily down", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"idMessage": "msg-200"})
	}))
	defer server.Close()

	ack, err := newTestClient(server.URL).SendMessage(context.Background(), "79990000000@c.us", "повтор")
	if err != nil {
		t.Fatalf("send message should recover after retries: %v", err)
	}
	if ack != "msg-200" {
		t.Fatalf("expected ack msg-200, got %s", ack)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestSendMessageDoesNotRetryClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad chat id", http.StatusBadRequest)
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).SendMessage(context.Background(), "broken", "x"); err == nil {
		t.Fatalf("expected permanent error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls)
	}
}

func TestReceiveNotification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"receiptId": 7,
			"body": {"typeWebhook": "incomingMessageReceived", "idMessage": "in-1"}
		}`))
	}))
	defer server.Close()

	notification, err := newTestClient(server.URL).ReceiveNotification(context.Background())
	if err != nil {
		t.Fatalf("receive notification: %v", err)
	}
	if notification == nil || notification.ReceiptID != 7 {
		t.Fatalf("unexpected notification: %+v", notification)
	}
	if !strings.Contains(string(notification.Body), "incomingMessageReceived") {
		t.Fatalf("body not preserved: %s", notification.Body)
	}
}

func TestReceiveNotificationEmptyQueue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("null"))
	}))
	defer server.Close()

	notification, err := newTestClient(server.URL).ReceiveNotification(context.Background())
	if err != nil {
		t.Fatalf("receive notification: %v", err)
	}
	if notification != nil {
		t.Fatalf("expected nil notification for empty queue, got %+v", notification)
	}
}

func TestDeleteNotification(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := newTestClient(server.URL).DeleteNotification(context.Background(), 7); err != nil {
		t.Fatalf("delete notification: %v", err)
	}
	if !strings.HasSuffix(gotPath, "/deleteNotification/test-token/7") {
		t.Fatalf("unexpected delete path: %s", gotPath)
	}
}
