package services

import "github.com/khunghaydien/sellbridge-backend/internal/core/domain"

// MergeConversationUpdate applies a partial update to an existing summary.
//
// Present fields override, except MessageCount and UnreadCount which take the
// maximum of both sides so a stale count from the other producer can never
// lower them. UpdatedAt keeps the later timestamp. With no existing record the
// update becomes the record; counts start at 1 when it comes from a message.
func MergeConversationUpdate(existing *domain.ConversationSummary, in domain.ConversationUpdate) domain.ConversationSummary {
	if existing == nil {
		s := domain.ConversationSummary{
			ID:        in.ID,
			PageID:    in.PageID,
			UpdatedAt: in.UpdatedAt,
		}
		if in.Participant != nil {
			s.Participant = *in.Participant
		}
		if in.Snippet != nil {
			s.Snippet = *in.Snippet
		}
		if in.MessageCount != nil {
			s.MessageCount = max(*in.MessageCount, 0)
		}
		if in.UnreadCount != nil {
			s.UnreadCount = max(*in.UnreadCount, 0)
		}
		if in.FromMessage {
			s.MessageCount = max(s.MessageCount, 1)
			s.UnreadCount = max(s.UnreadCount, 1)
		}
		return s
	}

	merged := *existing
	if merged.ID == "" {
		merged.ID = in.ID
	}
	if in.PageID != "" {
		merged.PageID = in.PageID
	}
	if in.Participant != nil {
		merged.Participant = mergeParticipant(merged.Participant, *in.Participant)
	}
	if in.Snippet != nil {
		merged.Snippet = *in.Snippet
	}
	if in.MessageCount != nil {
		merged.MessageCount = max(merged.MessageCount, *in.MessageCount)
	}
	if in.UnreadCount != nil {
		merged.UnreadCount = max(merged.UnreadCount, *in.UnreadCount)
	}
	if in.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = in.UpdatedAt
	}
	return merged
}

// mergeParticipant overrides with non-empty incoming fields only
func mergeParticipant(cur, in domain.Participant) domain.Participant {
	if in.ID != "" {
		cur.ID = in.ID
	}
	if in.DisplayName != "" {
		cur.DisplayName = in.DisplayName
	}
	if in.AvatarURL != "" {
		cur.AvatarURL = in.AvatarURL
	}
	return cur
}
