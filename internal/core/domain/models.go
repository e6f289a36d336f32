// Package domain contains core business entities
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"encoding/json"
	"time"
)

// EventKind discriminates the InboundEvent variants
type EventKind string

const (
	EventKindMessage  EventKind = "message"
	EventKindDelivery EventKind = "delivery"
	EventKindRead     EventKind = "read"
)

// InboundEvent is the canonical form of one Messenger webhook sub-event.
// Only the fields of the matching Kind are populated.
// Created per webhook entry and consumed immediately (never persisted).
type InboundEvent struct {
	Kind           EventKind `json:"type"`
	PageID         string    `json:"pageId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId,omitempty"`
	Timestamp      int64     `json:"timestamp"` // epoch milliseconds
	ConversationID string    `json:"conversationId,omitempty"`

	// Message
	MessageID   string          `json:"messageId,omitempty"`
	Text        string          `json:"text,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"` // opaque, forwarded as-is
	IsEcho      bool            `json:"isEcho,omitempty"`

	// Delivery
	MessageIDs []string `json:"messageIds,omitempty"`

	// Delivery and Read
	Watermark int64 `json:"watermark,omitempty"`
}

// IsAggregatable reports whether the event represents new inbound participant activity
func (e InboundEvent) IsAggregatable() bool {
	return e.Kind == EventKindMessage && !e.IsEcho && e.Text != ""
}

// Participant is the non-page side of a conversation
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ConversationSummary is the in-memory derived state of one conversation.
// MessageCount and UnreadCount never decrease under merge.
type ConversationSummary struct {
	ID           string      `json:"id"`
	PageID       string      `json:"pageId"`
	Participant  Participant `json:"participant"`
	Snippet      string      `json:"snippet"`
	MessageCount int         `json:"messageCount"`
	UnreadCount  int         `json:"unreadCount"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// ConversationUpdate is a partial update from one of the two producers
// (a locally received message or a remote platform push).
// Nil fields are absent and leave the existing value untouched.
type ConversationUpdate struct {
	ID           string
	PageID       string
	Participant  *Participant
	Snippet      *string
	MessageCount *int
	UnreadCount  *int
	UpdatedAt    time.Time

	// FromMessage marks updates synthesized from a real inbound message
	FromMessage bool
}

// ConversationID builds the locally synthesized conversation id
func ConversationID(pageID, participantID string) string {
	return pageID + "_" + participantID
}

// SenderInfo is the display identity of a platform user as seen by a page
type SenderInfo struct {
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	ResolvedAt  time.Time `json:"resolvedAt"`

	// Placeholder is set on the fallback identity returned when resolution fails
	Placeholder bool `json:"-"`
}

// BroadcastKind selects the realtime event name a payload is delivered under
type BroadcastKind string

const (
	BroadcastMessage      BroadcastKind = "new-message"
	BroadcastConversation BroadcastKind = "new-conversation"
)

// WebhookLog represents the audit trail for incoming webhook events
type WebhookLog struct {
	ID          int64           `json:"id" db:"id"`
	Platform    string          `json:"platform" db:"platform"`         // "facebook"
	PayloadJSON json.RawMessage `json:"payload_json" db:"payload_json"` // JSON field
	Status      string          `json:"status" db:"status"`             // "pending", "processed", "failed"
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	ErrorLog    *string         `json:"error_log,omitempty" db:"error_log"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WebhookStatus constants for lifecycle management
const (
	WebhookStatusPending   = "pending"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// Page represents a connected Facebook page and its page-scoped credential
type Page struct {
	ID          int64   `json:"id" db:"id"`
	PageID      string  `json:"page_id" db:"page_id"`
	PageName    *string `json:"page_name,omitempty" db:"page_name"`
	AccessToken string  `json:"-" db:"access_token"` // Never expose in JSON
	IsActive    bool    `json:"is_active" db:"is_active"`
}

// User is the record returned by the user storage collaborator
type User struct {
	ID                  string     `json:"id" db:"id"`
	Email               string     `json:"email" db:"email"`
	Name                string     `json:"name" db:"name"`
	FacebookAccessToken *string    `json:"-" db:"facebook_access_token"`
	FacebookTokenExpiry *time.Time `json:"-" db:"facebook_token_expires_at"`
}
