// Package dto contains data transfer objects for external APIs
// Separating DTOs from handlers prevents import cycles
package dto

import "encoding/json"

// ObjectPage is the only webhook object kind this service consumes
const ObjectPage = "page"

// ChangeFieldConversations is the changes[].field carrying conversation updates
const ChangeFieldConversations = "conversations"

// FacebookWebhookRequest is the top-level webhook payload from Facebook
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks
type FacebookWebhookRequest struct {
	Object string          `json:"object"` // "page" for Messenger
	Entry  []FacebookEntry `json:"entry"`
}

// FacebookEntry represents a single page's webhook events
type FacebookEntry struct {
	ID        string              `json:"id"`   // Page ID
	Time      int64               `json:"time"` // Unix milliseconds
	Messaging []FacebookMessaging `json:"messaging,omitempty"`
	Changes   []FacebookChange    `json:"changes,omitempty"`
}

// FacebookMessaging represents a single messaging event.
// Exactly one of Message, Delivery or Read is expected to be set.
type FacebookMessaging struct {
	Sender    FacebookUser `json:"sender"`
	Recipient FacebookUser `json:"recipient"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds

	Message  *FacebookMessage  `json:"message,omitempty"`
	Delivery *FacebookDelivery `json:"delivery,omitempty"`
	Read     *FacebookRead     `json:"read,omitempty"`
}

// FacebookUser represents a sender or recipient (PSID)
type FacebookUser struct {
	ID string `json:"id"`
}

// FacebookMessage represents the actual message content
type FacebookMessage struct {
	MID  string `json:"mid"`
	Text string `json:"text"`

	// Attachments are forwarded to clients untouched
	Attachments json.RawMessage `json:"attachments,omitempty"`

	// IsEcho indicates this message was sent BY the page (not TO the page)
	IsEcho bool `json:"is_echo,omitempty"`
}

// FacebookDelivery represents a delivery confirmation
type FacebookDelivery struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// FacebookRead represents a read confirmation
type FacebookRead struct {
	Watermark int64 `json:"watermark"` // All messages before this timestamp were read
}

// FacebookChange is one entry of the changes array
type FacebookChange struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// ConversationChangeValue is the value of a "conversations" change.
// Count fields are pointers so an absent count is not read as zero.
type ConversationChangeValue struct {
	ID           string                `json:"id"`
	ThreadID     string                `json:"thread_id"`
	PageID       string                `json:"page_id"`
	Snippet      *string               `json:"snippet,omitempty"`
	MessageCount *int                  `json:"message_count,omitempty"`
	UnreadCount  *int                  `json:"unread_count,omitempty"`
	UpdatedTime  string                `json:"updated_time,omitempty"`
	Participants *ParticipantsEnvelope `json:"participants,omitempty"`
}

// ParticipantsEnvelope mirrors the Graph API {data: [...]} list shape
type ParticipantsEnvelope struct {
	Data []GraphParticipant `json:"data"`
}

// GraphParticipant is one participant of a Graph conversation
type GraphParticipant struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// ConversationKey returns the conversation id carried by the change
func (v *ConversationChangeValue) ConversationKey() string {
	if v.ID != "" {
		return v.ID
	}
	return v.ThreadID
}
