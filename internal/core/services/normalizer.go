package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/dto"
	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
)

// errUnsupportedChange marks changes[] entries this service does not consume
var errUnsupportedChange = errors.New("unsupported change field")

// graphTimeLayout is the timestamp format used by Graph API updated_time fields
const graphTimeLayout = "2006-01-02T15:04:05-0700"

// Normalize projects one raw messaging event into the canonical InboundEvent.
// Events without a sender id, message without mid, and shapes other than
// message/delivery/read yield false and are dropped.
func Normalize(pageID string, m *dto.FacebookMessaging) (domain.InboundEvent, bool) {
	if m == nil {
		return domain.InboundEvent{}, false
	}
	if m.Sender.ID == "" {
		slog.Warn("Dropping messaging event without sender id", "page_id", pageID)
		return domain.InboundEvent{}, false
	}

	ev := domain.InboundEvent{
		PageID:      pageID,
		SenderID:    m.Sender.ID,
		RecipientID: m.Recipient.ID,
		Timestamp:   m.Timestamp,
	}

	switch {
	case m.Message != nil:
		if m.Message.MID == "" {
			slog.Warn("Dropping message event without mid",
				"page_id", pageID,
				"sender_id", m.Sender.ID,
			)
			return domain.InboundEvent{}, false
		}
		ev.Kind = domain.EventKindMessage
		ev.MessageID = m.Message.MID
		ev.Text = m.Message.Text
		ev.IsEcho = m.Message.IsEcho
		if len(m.Message.Attachments) > 0 && string(m.Message.Attachments) != "null" {
			ev.Attachments = m.Message.Attachments
		}

		// An echo is sent by the page, so the participant is the recipient
		participant := m.Sender.ID
		if m.Message.IsEcho && m.Recipient.ID != "" {
			participant = m.Recipient.ID
		}
		ev.ConversationID = domain.ConversationID(pageID, participant)

	case m.Delivery != nil:
		ev.Kind = domain.EventKindDelivery
		ev.MessageIDs = m.Delivery.MIDs
		ev.Watermark = m.Delivery.Watermark

	case m.Read != nil:
		ev.Kind = domain.EventKindRead
		ev.Watermark = m.Read.Watermark

	default:
		slog.Debug("Dropping unsupported messaging event",
			"page_id", pageID,
			"sender_id", m.Sender.ID,
		)
		return domain.InboundEvent{}, false
	}

	return ev, true
}

// NormalizeChange converts a "conversations" change into a conversation id and
// a remote-sourced partial update. Other fields return errUnsupportedChange.
func NormalizeChange(pageID string, change *dto.FacebookChange) (string, domain.ConversationUpdate, error) {
	if change == nil || change.Field != dto.ChangeFieldConversations {
		return "", domain.ConversationUpdate{}, errUnsupportedChange
	}

	var value dto.ConversationChangeValue
	if err := json.Unmarshal(change.Value, &value); err != nil {
		return "", domain.ConversationUpdate{}, fmt.Errorf("decode conversation change: %w", err)
	}

	return ConversationFromGraph(pageID, &value)
}

// ConversationFromGraph converts a Graph conversation object, pushed or pulled,
// into a remote-sourced partial update.
func ConversationFromGraph(pageID string, value *dto.ConversationChangeValue) (string, domain.ConversationUpdate, error) {
	id := value.ConversationKey()
	if id == "" {
		return "", domain.ConversationUpdate{}, fmt.Errorf("conversation change without id")
	}

	update := domain.ConversationUpdate{
		ID:           id,
		PageID:       pageID,
		Snippet:      value.Snippet,
		MessageCount: value.MessageCount,
		UnreadCount:  value.UnreadCount,
		UpdatedAt:    parseGraphTime(value.UpdatedTime),
	}

	if value.Participants != nil {
		for _, p := range value.Participants.Data {
			if p.ID == "" || p.ID == pageID {
				continue
			}
			update.Participant = &domain.Participant{ID: p.ID, DisplayName: p.Name}
			break
		}
	}

	return id, update, nil
}

// parseGraphTime accepts the Graph "+0000" offset layout and RFC 3339.
// Unparseable values yield the zero time, which never wins a merge.
func parseGraphTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(graphTimeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	slog.Debug("Unparseable Graph timestamp", "value", s)
	return time.Time{}
}
