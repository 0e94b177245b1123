package nats

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

func TestQueuePublishSubscribe(t *testing.T) {
	q := testConnect(t)
	subject := "inbox.test." + t.Name()

	type envelope struct {
		Source     string `json:"source"`
		ExternalID string `json:"external_id"`
	}
	want := envelope{Source: "telegram", ExternalID: "u-1"}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var (
		once sync.Once
		done = make(chan envelope, 1)
	)
	stop, err := q.Subscribe(context.Background(), subject, func(_ string, data []byte) error {
		var got envelope
		if err := json.Unmarshal(data, &got); err != nil {
			t.Errorf("unmarshal: %v", err)
			return nil
		}
		once.Do(func() { done <- got })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	if err := q.Publish(context.Background(), subject, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-done:
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
