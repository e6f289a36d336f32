package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/khunghaydien/sellbridge-backend/internal/adapters/dto"
	"github.com/khunghaydien/sellbridge-backend/internal/adapters/gateway"
	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
	"github.com/khunghaydien/sellbridge-backend/internal/core/services"
)

const maxRequestBody = 1 << 20

// GraphAPI is the subset of the Graph client used by the REST surface
type GraphAPI interface {
	GetUserPages(ctx context.Context, userAccessToken string) (gateway.GraphList, error)
	GetPageConversations(ctx context.Context, pageID, pageAccessToken string, opts gateway.ListOptions) (gateway.GraphList, error)
	GetConversationMessages(ctx context.Context, conversationID, pageAccessToken string, opts gateway.ListOptions) (gateway.GraphList, error)
	SendMessage(ctx context.Context, pageID, recipientID, text, pageAccessToken string) (gateway.SendMessageResponse, error)
	CreatePost(ctx context.Context, pageID, pageAccessToken string, post gateway.PostRequest) (gateway.PostResponse, error)
}

// TokenDecrypter opens user access tokens stored encrypted at rest
type TokenDecrypter interface {
	Decrypt(encoded string) (string, error)
}

// FacebookHandler serves the authenticated page management API
type FacebookHandler struct {
	graph      GraphAPI
	tokens     ports.PageTokenStore // optional
	aggregator *services.Aggregator
	decrypter  TokenDecrypter // optional; tokens are read as plain text without it
	ew         ErrorWriter
	now        func() time.Time
}

// NewFacebookHandler creates the REST handler
func NewFacebookHandler(
	graph GraphAPI,
	tokens ports.PageTokenStore,
	aggregator *services.Aggregator,
	decrypter TokenDecrypter,
	ew ErrorWriter,
) *FacebookHandler {
	return &FacebookHandler{
		graph:      graph,
		tokens:     tokens,
		aggregator: aggregator,
		decrypter:  decrypter,
		ew:         ew,
		now:        time.Now,
	}
}

// SendMessageBody is the JSON payload of POST /api/pages/{pageId}/messages
type SendMessageBody struct {
	RecipientID     string `json:"recipientId"`
	Message         string `json:"message"`
	PageAccessToken string `json:"pageAccessToken"`
}

// CreatePostBody is the JSON payload of POST /api/pages/{pageId}/feed
type CreatePostBody struct {
	Message         string `json:"message"`
	Link            string `json:"link,omitempty"`
	Published       string `json:"published,omitempty"` // "true" or "false", default true
	PageAccessToken string `json:"pageAccessToken"`
}

// ConversationsResponse is the data of GET /api/pages/{pageId}/conversations
type ConversationsResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
	Remote        *gateway.GraphList           `json:"remote,omitempty"`
}

// ============================================================================
// GET /api/pages
// ============================================================================

// GetUserPages lists the pages managed by the authenticated user and
// remembers their page tokens for sender enrichment.
func (h *FacebookHandler) GetUserPages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := h.userFacebookToken(ctx)
	if err != nil {
		h.ew.Write(w, err)
		return
	}

	pages, err := h.graph.GetUserPages(ctx, token)
	if err != nil {
		h.ew.Write(w, err)
		return
	}

	h.rememberPageTokens(ctx, pages.Data)
	writeJSON(w, http.StatusOK, NewSuccessResponse(pages.Data, "pages_fetched_successfully"))
}

// userFacebookToken returns the caller's decrypted, unexpired Facebook token
func (h *FacebookHandler) userFacebookToken(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return "", domain.Unauthorized("user_not_found")
	}
	if user.FacebookAccessToken == nil || *user.FacebookAccessToken == "" {
		return "", domain.Validation("user_facebook_not_connected")
	}
	if user.FacebookTokenExpiry != nil && user.FacebookTokenExpiry.Before(h.now()) {
		return "", domain.Unauthorized("facebook_token_expired")
	}

	token := *user.FacebookAccessToken
	if h.decrypter != nil {
		plain, err := h.decrypter.Decrypt(token)
		if err != nil {
			return "", domain.Unauthorized("facebook_token_invalid")
		}
		token = plain
	}
	return token, nil
}

func (h *FacebookHandler) rememberPageTokens(ctx context.Context, data json.RawMessage) {
	if h.tokens == nil || len(data) == 0 {
		return
	}
	var pages []struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &pages); err != nil {
		slog.Warn("Failed to decode pages list", "error", err)
		return
	}
	for _, p := range pages {
		if p.ID != "" && p.AccessToken != "" {
			h.rememberToken(ctx, p.ID, p.AccessToken)
		}
	}
}

func (h *FacebookHandler) rememberToken(ctx context.Context, pageID, token string) {
	if h.tokens == nil {
		return
	}
	if err := h.tokens.PutPageAccessToken(ctx, pageID, token); err != nil {
		slog.Warn("Failed to store page token", "error", err, "page_id", pageID)
	}
}

// ============================================================================
// GET /api/pages/{pageId}/conversations
// ============================================================================

// GetPageConversations returns the page's aggregated conversations. With a
// pageAccessToken the remote list is pulled first and merged in.
func (h *FacebookHandler) GetPageConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pageID := r.PathValue("pageId")
	q := r.URL.Query()

	var resp ConversationsResponse
	if token := q.Get("pageAccessToken"); token != "" {
		opts, err := listOptions(q.Get("limit"), q.Get("after"), q.Get("before"))
		if err != nil {
			h.ew.Write(w, err)
			return
		}

		remote, err := h.graph.GetPageConversations(ctx, pageID, token, opts)
		if err != nil {
			h.upstreamFailed(ctx, pageID, err)
			h.ew.Write(w, err)
			return
		}
		h.rememberToken(ctx, pageID, token)
		h.mergeRemoteConversations(pageID, remote.Data)
		resp.Remote = &remote
	}

	resp.Conversations = h.aggregator.ListByPage(pageID)
	writeJSON(w, http.StatusOK, NewSuccessResponse(resp, "page_conversations_retrieved"))
}

func (h *FacebookHandler) mergeRemoteConversations(pageID string, data json.RawMessage) {
	if len(data) == 0 {
		return
	}
	var items []dto.ConversationChangeValue
	if err := json.Unmarshal(data, &items); err != nil {
		slog.Warn("Failed to decode remote conversations", "error", err, "page_id", pageID)
		return
	}
	for i := range items {
		id, update, err := services.ConversationFromGraph(pageID, &items[i])
		if err != nil {
			slog.Debug("Skipping remote conversation", "error", err, "page_id", pageID)
			continue
		}
		h.aggregator.UpsertFromRemote(id, pageID, update)
	}
}

// ============================================================================
// GET /api/conversations/{conversationId}/messages
// ============================================================================

// GetConversationMessages proxies the conversation's message history
func (h *FacebookHandler) GetConversationMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := r.PathValue("conversationId")
	q := r.URL.Query()

	token := q.Get("pageAccessToken")
	if token == "" {
		h.ew.Write(w, domain.Validation("page_access_token_required"))
		return
	}
	opts, err := listOptions(q.Get("limit"), q.Get("after"), q.Get("before"))
	if err != nil {
		h.ew.Write(w, err)
		return
	}

	result, err := h.graph.GetConversationMessages(ctx, conversationID, token, opts)
	if err != nil {
		h.ew.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse(result, "conversation_messages_retrieved"))
}

// ============================================================================
// POST /api/pages/{pageId}/messages
// ============================================================================

// SendMessage sends a text message to a page-scoped user
func (h *FacebookHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pageID := r.PathValue("pageId")

	var body SendMessageBody
	if err := decodeBody(r, &body); err != nil {
		h.ew.Write(w, err)
		return
	}
	switch {
	case strings.TrimSpace(body.RecipientID) == "":
		h.ew.Write(w, domain.Validation("recipient_id_required"))
		return
	case strings.TrimSpace(body.Message) == "":
		h.ew.Write(w, domain.Validation("message_required"))
		return
	case body.PageAccessToken == "":
		h.ew.Write(w, domain.Validation("page_access_token_required"))
		return
	}

	result, err := h.graph.SendMessage(ctx, pageID, body.RecipientID, body.Message, body.PageAccessToken)
	if err != nil {
		h.upstreamFailed(ctx, pageID, err)
		h.ew.Write(w, err)
		return
	}
	h.rememberToken(ctx, pageID, body.PageAccessToken)
	writeJSON(w, http.StatusOK, NewSuccessResponse(result, "message_sent_successfully"))
}

// ============================================================================
// POST /api/pages/{pageId}/feed
// ============================================================================

// CreatePost publishes a post on the page feed
func (h *FacebookHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pageID := r.PathValue("pageId")

	var body CreatePostBody
	if err := decodeBody(r, &body); err != nil {
		h.ew.Write(w, err)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		h.ew.Write(w, domain.Validation("message_required"))
		return
	}
	if body.PageAccessToken == "" {
		h.ew.Write(w, domain.Validation("page_access_token_required"))
		return
	}

	post := gateway.PostRequest{Message: body.Message, Link: body.Link}
	if body.Published != "" {
		published, err := strconv.ParseBool(body.Published)
		if err != nil {
			h.ew.Write(w, domain.Validation("invalid_body"))
			return
		}
		post.Published = &published
	}

	result, err := h.graph.CreatePost(ctx, pageID, body.PageAccessToken, post)
	if err != nil {
		h.upstreamFailed(ctx, pageID, err)
		h.ew.Write(w, err)
		return
	}
	h.rememberToken(ctx, pageID, body.PageAccessToken)
	writeJSON(w, http.StatusOK, NewSuccessResponse(result, "post_created_successfully"))
}

// upstreamFailed deactivates the page credential when the platform rejected it
func (h *FacebookHandler) upstreamFailed(ctx context.Context, pageID string, err error) {
	if h.tokens == nil || !errors.Is(err, ports.ErrTokenExpired) {
		return
	}
	if derr := h.tokens.DeactivatePage(ctx, pageID); derr != nil {
		slog.Error("Failed to deactivate page after token expiry", "error", derr, "page_id", pageID)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return domain.Validation("invalid_body")
	}
	return nil
}

func listOptions(limit, after, before string) (gateway.ListOptions, error) {
	opts := gateway.ListOptions{After: after, Before: before}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return opts, domain.Validation("invalid_limit")
		}
		opts.Limit = n
	}
	return opts, nil
}
