package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/dto"
	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
)

// ============================================================================
// Mock Repositories
// ============================================================================

// MockWebhookRepository is a mock implementation of ports.WebhookRepository
type MockWebhookRepository struct {
	mock.Mock
}

func (m *MockWebhookRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) (int64, error) {
	args := m.Called(ctx, log)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockWebhookRepository) UpdateStatus(ctx context.Context, id int64, status string, errorLog *string) error {
	args := m.Called(ctx, id, status, errorLog)
	return args.Error(0)
}

func (m *MockWebhookRepository) PurgeProcessed(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	args := m.Called(ctx, cutoff, limit)
	return args.Get(0).(int64), args.Error(1)
}

// broadcastCall is one recorded BroadcastToPage invocation
type broadcastCall struct {
	PageID  string
	Kind    domain.BroadcastKind
	Payload any
}

// recordingBroadcaster implements ports.Broadcaster and remembers every call
type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *recordingBroadcaster) BroadcastToPage(pageID string, kind domain.BroadcastKind, payload any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{PageID: pageID, Kind: kind, Payload: payload})
	return 1
}

func (b *recordingBroadcaster) Calls() []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcastCall(nil), b.calls...)
}

func (b *recordingBroadcaster) kinds() []domain.BroadcastKind {
	var out []domain.BroadcastKind
	for _, c := range b.Calls() {
		out = append(out, c.Kind)
	}
	return out
}

// ============================================================================
// Test Helpers
// ============================================================================

func createTestDispatcher(repo *MockWebhookRepository) (*Dispatcher, *Aggregator, *recordingBroadcaster) {
	aggregator := NewAggregator(nil)
	broadcaster := &recordingBroadcaster{}
	if repo == nil {
		return NewDispatcher(aggregator, broadcaster, nil, 4), aggregator, broadcaster
	}
	return NewDispatcher(aggregator, broadcaster, repo, 4), aggregator, broadcaster
}

func userMessaging(senderID, mid, text string, echo bool) map[string]interface{} {
	return map[string]interface{}{
		"sender":    map[string]string{"id": senderID},
		"recipient": map[string]string{"id": "PG1"},
		"timestamp": 1700000000000,
		"message": map[string]interface{}{
			"mid":     mid,
			"text":    text,
			"is_echo": echo,
		},
	}
}

func webhookPayload(t *testing.T, object string, entries ...map[string]interface{}) dto.FacebookWebhookRequest {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"object": object,
		"entry":  entries,
	})
	require.NoError(t, err)

	var payload dto.FacebookWebhookRequest
	require.NoError(t, json.Unmarshal(data, &payload))
	return payload
}

func pageEntry(pageID string, messaging []map[string]interface{}, changes []map[string]interface{}) map[string]interface{} {
	entry := map[string]interface{}{"id": pageID, "time": 1700000000000}
	if messaging != nil {
		entry["messaging"] = messaging
	}
	if changes != nil {
		entry["changes"] = changes
	}
	return entry
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestProcessWebhook_NonPageObjectIgnored(t *testing.T) {
	dispatcher, aggregator, broadcaster := createTestDispatcher(nil)

	payload := webhookPayload(t, "instagram",
		pageEntry("PG1", []map[string]interface{}{userMessaging("U1", "m1", "hi", false)}, nil))

	result := dispatcher.ProcessWebhook(context.Background(), payload)

	assert.Equal(t, ProcessResult{}, result)
	assert.Empty(t, broadcaster.Calls())
	assert.Equal(t, 0, aggregator.Len())
}

func TestProcessWebhook_UserMessage(t *testing.T) {
	dispatcher, aggregator, broadcaster := createTestDispatcher(nil)

	payload := webhookPayload(t, "page",
		pageEntry("PG1", []map[string]interface{}{userMessaging("P1", "m1", "hi", false)}, nil))

	result := dispatcher.ProcessWebhook(context.Background(), payload)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []domain.BroadcastKind{domain.BroadcastMessage, domain.BroadcastConversation}, broadcaster.kinds())

	calls := broadcaster.Calls()
	ev, ok := calls[0].Payload.(domain.InboundEvent)
	require.True(t, ok)
	assert.Equal(t, "PG1", calls[0].PageID)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, "PG1_P1", ev.ConversationID)

	summary, ok := aggregator.Get("PG1_P1")
	require.True(t, ok)
	assert.Equal(t, 1, summary.MessageCount)
	assert.Equal(t, 1, summary.UnreadCount)
	assert.Equal(t, "hi", summary.Snippet)
	assert.Equal(t, "P1", summary.Participant.ID)
	assert.Empty(t, summary.Participant.DisplayName)
}

func TestProcessWebhook_EchoBroadcastButNotAggregated(t *testing.T) {
	dispatcher, aggregator, broadcaster := createTestDispatcher(nil)

	payload := webhookPayload(t, "page",
		pageEntry("PG1", []map[string]interface{}{userMessaging("PG1", "m.echo", "This is an echo", true)}, nil))

	result := dispatcher.ProcessWebhook(context.Background(), payload)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, []domain.BroadcastKind{domain.BroadcastMessage}, broadcaster.kinds())

	ev := broadcaster.Calls()[0].Payload.(domain.InboundEvent)
	assert.True(t, ev.IsEcho)
	assert.Equal(t, 0, aggregator.Len())
}

func TestProcessWebhook_DeliveryAndReadBroadcastOnly(t *testing.T) {
	dispatcher, aggregator, broadcaster := createTestDispatcher(nil)

	delivery := map[string]interface{}{
		"sender":    map[string]string{"id": "P1"},
		"recipient": map[string]string{"id": "PG1"},
		"delivery":  map[string]interface{}{"mids": []string{"m1"}, "watermark": 1700000000000},
	}
	read := map[string]interface{}{
		"sender":    map[string]string{"id": "P1"},
		"recipient": map[string]string{"id": "PG1"},
		"read":      map[string]interface{}{"watermark": 1700000000001},
	}
	payload := webhookPayload(t, "page", pageEntry("PG1", []map[string]interface{}{delivery, read}, nil))

	result := dispatcher.ProcessWebhook(context.Background(), payload)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, []domain.BroadcastKind{domain.BroadcastMessage, domain.BroadcastMessage}, broadcaster.kinds())

	calls := broadcaster.Calls()
	assert.Equal(t, domain.EventKindDelivery, calls[0].Payload.(domain.InboundEvent).Kind)
	assert.Equal(t, int64(1700000000000), calls[0].Payload.(domain.InboundEvent).Timestamp, "missing timestamp falls back to entry time")
	assert.Equal(t, domain.EventKindRead, calls[1].Payload.(domain.InboundEvent).Kind)
	assert.Equal(t, 0, aggregator.Len())
}

func TestProcessWebhook_ConversationChange(t *testing.T) {
	dispatcher, aggregator, broadcaster := createTestDispatcher(nil)

	change := map[string]interface{}{
		"field": "conversations",
		"value": map[string]interface{}{
			"thread_id":     "t_1",
			"snippet":       "remote",
			"message_count": 5,
			"unread_count":  0,
			"updated_time":  "2024-01-02T03:04:05+0000",
		},
	}
	payload := webhookPayload(t, "page", pageEntry("PG1", nil, []map[string]interface{}{change}))

	result := dispatcher.ProcessWebhook(context.Background(), payload)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, []domain.BroadcastKind{domain.BroadcastConversation}, broadcaster.kinds())

	summary, ok := aggregator.Get("t_1")
	require.True(t, ok)
	assert.Equal(t, "PG1", summary.PageID)
	assert.Equal(t, 5, summary.MessageCount)
	assert.Equal(t, "remote", summary.Snippet)
}

func TestProcessWebhook_BadChangeIsIsolated(t *testing.T) {
	dispatcher, aggregator, broadcaster := createTestDispatcher(nil)

	bad := map[string]interface{}{"field": "conversations", "value": "not an object"}
	unsupported := map[string]interface{}{"field": "feed", "value": map[string]string{"item": "post"}}
	payload := webhookPayload(t, "page",
		pageEntry("PG1",
			[]map[string]interface{}{userMessaging("P1", "m1", "hi", false)},
			[]map[string]interface{}{bad, unsupported}),
		pageEntry("PG2", []map[string]interface{}{userMessaging("P2", "m2", "yo", false)}, nil))

	var result ProcessResult
	require.NotPanics(t, func() {
		result = dispatcher.ProcessWebhook(context.Background(), payload)
	})

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "PG1")

	assert.Equal(t, 2, aggregator.Len())
	assert.Len(t, broadcaster.Calls(), 4)
}

func TestProcessWebhook_EntryWithoutPageIDSkipped(t *testing.T) {
	dispatcher, _, broadcaster := createTestDispatcher(nil)

	payload := webhookPayload(t, "page",
		pageEntry("", []map[string]interface{}{userMessaging("P1", "m1", "hi", false)}, nil))

	result := dispatcher.ProcessWebhook(context.Background(), payload)

	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, broadcaster.Calls())
}

func TestProcessWebhook_DropsMalformedMessaging(t *testing.T) {
	dispatcher, _, broadcaster := createTestDispatcher(nil)

	noSender := map[string]interface{}{
		"recipient": map[string]string{"id": "PG1"},
		"message":   map[string]interface{}{"mid": "m1", "text": "hi"},
	}
	noMid := map[string]interface{}{
		"sender":  map[string]string{"id": "P1"},
		"message": map[string]interface{}{"text": "hi"},
	}
	postback := map[string]interface{}{
		"sender":   map[string]string{"id": "P1"},
		"postback": map[string]string{"payload": "GET_STARTED"},
	}
	payload := webhookPayload(t, "page", pageEntry("PG1", []map[string]interface{}{noSender, noMid, postback}, nil))

	result := dispatcher.ProcessWebhook(context.Background(), payload)

	assert.Equal(t, 3, result.Skipped)
	assert.Empty(t, broadcaster.Calls())
}

// ============================================================================
// Queue & Audit Log
// ============================================================================

func TestDispatcher_RunDrainsQueueInOrder(t *testing.T) {
	repo := new(MockWebhookRepository)
	dispatcher, aggregator, broadcaster := createTestDispatcher(repo)
	ctx := context.Background()

	repo.On("SaveLog", ctx, mock.MatchedBy(func(log *domain.WebhookLog) bool {
		return log.Platform == "facebook" && log.Status == domain.WebhookStatusPending
	})).Return(int64(7), nil).Twice()
	repo.On("UpdateStatus", ctx, int64(7), domain.WebhookStatusProcessed, (*string)(nil)).Return(nil).Twice()

	first := webhookPayload(t, "page", pageEntry("PG1", []map[string]interface{}{userMessaging("P1", "m1", "one", false)}, nil))
	second := webhookPayload(t, "page", pageEntry("PG1", []map[string]interface{}{userMessaging("P1", "m2", "two", false)}, nil))

	require.True(t, dispatcher.Enqueue(first, []byte(`{"n":1}`)))
	require.True(t, dispatcher.Enqueue(second, []byte(`{"n":2}`)))
	assert.Equal(t, 2, dispatcher.QueueLen())

	dispatcher.Close()
	dispatcher.Run(ctx)

	repo.AssertExpectations(t)
	assert.Equal(t, 0, dispatcher.QueueLen())

	var mids []string
	for _, c := range broadcaster.Calls() {
		if ev, ok := c.Payload.(domain.InboundEvent); ok {
			mids = append(mids, ev.MessageID)
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, mids)

	summary, _ := aggregator.Get("PG1_P1")
	assert.Equal(t, 2, summary.MessageCount)
	assert.Equal(t, "two", summary.Snippet)
}

func TestDispatcher_FailedSubEventMarksLogFailed(t *testing.T) {
	repo := new(MockWebhookRepository)
	dispatcher, _, _ := createTestDispatcher(repo)
	ctx := context.Background()

	repo.On("SaveLog", ctx, mock.AnythingOfType("*domain.WebhookLog")).Return(int64(3), nil)
	repo.On("UpdateStatus", ctx, int64(3), domain.WebhookStatusFailed, mock.MatchedBy(func(s *string) bool {
		return s != nil && *s != ""
	})).Return(nil)

	bad := map[string]interface{}{"field": "conversations", "value": []int{1}}
	payload := webhookPayload(t, "page", pageEntry("PG1", nil, []map[string]interface{}{bad}))

	require.True(t, dispatcher.Enqueue(payload, []byte(`{}`)))
	dispatcher.Close()
	dispatcher.Run(ctx)

	repo.AssertExpectations(t)
}

func TestDispatcher_SaveLogErrorStillProcesses(t *testing.T) {
	repo := new(MockWebhookRepository)
	dispatcher, aggregator, _ := createTestDispatcher(repo)
	ctx := context.Background()

	repo.On("SaveLog", ctx, mock.Anything).Return(int64(0), errors.New("database error"))

	payload := webhookPayload(t, "page", pageEntry("PG1", []map[string]interface{}{userMessaging("P1", "m1", "hi", false)}, nil))
	require.True(t, dispatcher.Enqueue(payload, []byte(`{}`)))
	dispatcher.Close()
	dispatcher.Run(ctx)

	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, aggregator.Len())
}

func TestDispatcher_EnqueueRejectsWhenFullOrClosed(t *testing.T) {
	dispatcher, _, _ := createTestDispatcher(nil)
	payload := webhookPayload(t, "page")

	for i := 0; i < 4; i++ {
		require.True(t, dispatcher.Enqueue(payload, nil))
	}
	assert.False(t, dispatcher.Enqueue(payload, nil), "queue of 4 is full")

	dispatcher.Close()
	assert.False(t, dispatcher.Enqueue(payload, nil))
	assert.NotPanics(t, dispatcher.Close)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	dispatcher, _, _ := createTestDispatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
