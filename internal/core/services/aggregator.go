package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
)

// SenderResolver resolves a display identity for a page-scoped sender
type SenderResolver interface {
	Resolve(ctx context.Context, pageID, senderID string) domain.SenderInfo
}

// Aggregator keeps conversation summaries in memory, merged from locally
// received messages and remote platform pushes. Records live for the process
// lifetime; there is no event-id dedup.
type Aggregator struct {
	mu            sync.Mutex
	conversations map[string]domain.ConversationSummary
	senders       SenderResolver
	now           func() time.Time
}

// NewAggregator creates an empty aggregator. senders may be nil.
func NewAggregator(senders SenderResolver) *Aggregator {
	return &Aggregator{
		conversations: make(map[string]domain.ConversationSummary),
		senders:       senders,
		now:           time.Now,
	}
}

// UpsertFromMessage folds an inbound message into its conversation.
// Echoes and messages without text leave the store untouched and return
// the existing record (zero value if none) with changed == false.
func (a *Aggregator) UpsertFromMessage(ctx context.Context, ev domain.InboundEvent) (domain.ConversationSummary, bool) {
	id := domain.ConversationID(ev.PageID, ev.SenderID)
	if !ev.IsAggregatable() {
		existing, _ := a.Get(id)
		return existing, false
	}

	// Resolved before taking the lock: may hit the network
	participant := domain.Participant{ID: ev.SenderID}
	var placeholder bool
	if a.senders != nil {
		info := a.senders.Resolve(ctx, ev.PageID, ev.SenderID)
		participant.DisplayName = info.DisplayName
		participant.AvatarURL = info.AvatarURL
		placeholder = info.Placeholder
	}

	updatedAt := a.now()
	if ev.Timestamp > 0 {
		updatedAt = time.UnixMilli(ev.Timestamp)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.conversations[id]
	messageCount, unreadCount := 1, 1
	var prev *domain.ConversationSummary
	if ok {
		prev = &existing
		messageCount = existing.MessageCount + 1
		unreadCount = existing.UnreadCount + 1
		// Don't overwrite a known name with the fallback identity
		if placeholder && existing.Participant.DisplayName != "" {
			participant.DisplayName = ""
		}
	}

	text := ev.Text
	merged := MergeConversationUpdate(prev, domain.ConversationUpdate{
		ID:           id,
		PageID:       ev.PageID,
		Participant:  &participant,
		Snippet:      &text,
		MessageCount: &messageCount,
		UnreadCount:  &unreadCount,
		UpdatedAt:    updatedAt,
		FromMessage:  true,
	})
	a.conversations[id] = merged
	return merged, true
}

// UpsertFromRemote merges a platform-supplied update for conversationID
func (a *Aggregator) UpsertFromRemote(conversationID, pageID string, update domain.ConversationUpdate) domain.ConversationSummary {
	update.ID = conversationID
	update.PageID = pageID
	update.FromMessage = false

	a.mu.Lock()
	defer a.mu.Unlock()

	var prev *domain.ConversationSummary
	if existing, ok := a.conversations[conversationID]; ok {
		prev = &existing
	}
	merged := MergeConversationUpdate(prev, update)
	a.conversations[conversationID] = merged
	return merged
}

// Get returns a copy of one conversation
func (a *Aggregator) Get(conversationID string) (domain.ConversationSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.conversations[conversationID]
	return s, ok
}

// ListByPage returns the page's conversations, most recently updated first
func (a *Aggregator) ListByPage(pageID string) []domain.ConversationSummary {
	a.mu.Lock()
	out := make([]domain.ConversationSummary, 0)
	for _, s := range a.conversations {
		if s.PageID == pageID {
			out = append(out, s)
		}
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Len returns the number of known conversations
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conversations)
}
