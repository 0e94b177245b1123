package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/taskrelay/internal/domain"
	"github.com/relaykit/taskrelay/internal/domain/delivery"
	"github.com/relaykit/taskrelay/internal/domain/detail"
	"github.com/relaykit/taskrelay/internal/domain/event"
	"github.com/relaykit/taskrelay/internal/domain/task"
	"github.com/relaykit/taskrelay/internal/port/database"
	"github.com/relaykit/taskrelay/internal/port/transport"
)

// mockStore implements database.Store for testing.
type mockStore struct {
	tasks    map[int64]*task.Task
	details  map[int64][]detail.TaskDetail
	eligible map[task.MessageKind][]database.Pair

	events     []*event.Event
	appended   []delivery.Attempt
	ledger     map[string][]delivery.Attempt // key: taskID/kind/triggerID
	claims     []database.Pair
	released   []database.Pair
	denyClaims bool
	abandoned  []database.AbandonedDelivery

	appendErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:    make(map[int64]*task.Task),
		details:  make(map[int64][]detail.TaskDetail),
		eligible: make(map[task.MessageKind][]database.Pair),
		ledger:   make(map[string][]delivery.Attempt),
	}
}

func pairKey(taskID int64, kind task.MessageKind, triggerID int64) string {
	return fmt.Sprintf("%d/%s/%d", taskID, kind, triggerID)
}

func (m *mockStore) addDetail(taskID int64, kind detail.Kind, purpose, content string) {
	m.details[taskID] = append(m.details[taskID], detail.TaskDetail{
		ID:      int64(len(m.details[taskID]) + 1),
		TaskID:  taskID,
		Kind:    kind,
		Purpose: purpose,
		Content: []byte(content),
	})
}

func (m *mockStore) InsertEvent(_ context.Context, ev *event.Event) (int64, error) {
	for _, existing := range m.events {
		if existing.Source == ev.Source && existing.ExternalID == ev.ExternalID {
			return existing.ID, nil
		}
	}
	stored := *ev
	stored.ID = int64(len(m.events) + 1)
	m.events = append(m.events, &stored)
	return stored.ID, nil
}

func (m *mockStore) GetEvent(_ context.Context, id int64) (*event.Event, error) {
	for _, ev := range m.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) GetTask(_ context.Context, id int64) (*task.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) LatestDetail(_ context.Context, taskID int64, kind detail.Kind) (*detail.TaskDetail, error) {
	details := m.details[taskID]
	for i := len(details) - 1; i >= 0; i-- {
		if details[i].Kind == kind {
			d := details[i]
			return &d, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) LatestModelResult(_ context.Context, taskID int64, includeReviewer bool) (*detail.TaskDetail, error) {
	details := m.details[taskID]
	for i := len(details) - 1; i >= 0; i-- {
		d := details[i]
		if d.Kind != detail.KindModelResult {
			continue
		}
		if !includeReviewer && detail.IsReviewerPurpose(d.Purpose) {
			continue
		}
		return &d, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) AppendDeliveryAttempt(_ context.Context, taskID int64, att *delivery.Attempt) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, *att)
	key := pairKey(taskID, att.MessageKind, att.TriggerID)
	m.ledger[key] = append(m.ledger[key], *att)
	return nil
}

func (m *mockStore) DeliveryAttempts(_ context.Context, taskID int64, kind task.MessageKind, triggerID int64) ([]delivery.Attempt, error) {
	return m.ledger[pairKey(taskID, kind, triggerID)], nil
}

func (m *mockStore) EligiblePairs(_ context.Context, kind task.MessageKind, _ time.Time, _ int) ([]database.Pair, error) {
	return m.eligible[kind], nil
}

func (m *mockStore) Claim(_ context.Context, p database.Pair, _ string, _ time.Duration) (bool, error) {
	if m.denyClaims {
		return false, nil
	}
	m.claims = append(m.claims, p)
	return true, nil
}

func (m *mockStore) ReleaseClaim(_ context.Context, p database.Pair, _ string) error {
	m.released = append(m.released, p)
	return nil
}

func (m *mockStore) AbandonedDeliveries(_ context.Context, _ int) ([]database.AbandonedDelivery, error) {
	return m.abandoned, nil
}

// mockCache implements cache.Cache for testing.
type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
	gets int
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string][]byte)}
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.data[key] = value
	return nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// mockSender implements transport.Sender for testing.
type mockSender struct {
	sent    []sentMessage
	sendErr error
	nextID  int64
}

type sentMessage struct {
	ChatID int64
	Text   string
}

func (m *mockSender) Name() string { return "mock" }

func (m *mockSender) Send(_ context.Context, chatID int64, text string) (int64, error) {
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{ChatID: chatID, Text: text})
	m.nextID++
	return m.nextID, nil
}

var _ transport.Sender = (*mockSender)(nil)
var _ database.Store = (*mockStore)(nil)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}
