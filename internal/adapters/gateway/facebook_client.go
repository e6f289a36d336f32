// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

// Ensure FacebookClient implements ProfileFetcher
var _ ports.ProfileFetcher = (*FacebookClient)(nil)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v19.0"

	maxListLimit = 100
	maxErrorBody = 1 << 16
)

// ClientConfig configures the Graph API client
type ClientConfig struct {
	BaseURL       string
	APIVersion    string
	RatePerSecond float64 // <= 0 disables client-side limiting
	Timeout       time.Duration
	MaxRetries    int
}

// FacebookClient handles communication with Facebook Graph API
type FacebookClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	maxRetries int
}

// NewFacebookClient creates a new Facebook API client
func NewFacebookClient(cfg ClientConfig) *FacebookClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &FacebookClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.APIVersion,
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
	}
}

// FacebookError represents an error from Facebook API
type FacebookError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode,omitempty"`
	FBTraceID    string `json:"fbtrace_id"`
}

// GraphList is a Graph collection response, passed through to REST callers
type GraphList struct {
	Data   json.RawMessage `json:"data"`
	Paging json.RawMessage `json:"paging,omitempty"`
}

// ListOptions holds cursor pagination parameters
type ListOptions struct {
	Limit  int
	After  string
	Before string
}

// SendMessageRequest represents the Facebook Send API payload structure
type SendMessageRequest struct {
	Recipient struct {
		ID string `json:"id"` // PSID (Page-Scoped ID)
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	MessagingType string `json:"messaging_type"` // "RESPONSE" for replies
}

// SendMessageResponse represents Facebook's response
type SendMessageResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// PostRequest is a page feed post
type PostRequest struct {
	Message   string
	Link      string
	Published *bool
}

// PostResponse carries the id of a created post
type PostResponse struct {
	ID string `json:"id"`
}

type profileResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	} `json:"picture"`
}

// GetUserProfile resolves a page-scoped user's name and avatar
func (c *FacebookClient) GetUserProfile(ctx context.Context, userID, pageAccessToken string) (domain.SenderInfo, error) {
	q := url.Values{}
	q.Set("fields", "name,picture")
	q.Set("access_token", pageAccessToken)

	var resp profileResponse
	if err := c.get(ctx, "/"+url.PathEscape(userID), q, &resp); err != nil {
		return domain.SenderInfo{}, err
	}
	return domain.SenderInfo{
		DisplayName: resp.Name,
		AvatarURL:   resp.Picture.Data.URL,
	}, nil
}

// GetUserPages lists the pages a user manages (me/accounts)
func (c *FacebookClient) GetUserPages(ctx context.Context, userAccessToken string) (GraphList, error) {
	if userAccessToken == "" {
		return GraphList{}, domain.Unauthorized("access_token_required")
	}
	q := url.Values{}
	q.Set("fields", "id,name,access_token,category,tasks")
	q.Set("access_token", userAccessToken)

	var resp GraphList
	err := c.get(ctx, "/me/accounts", q, &resp)
	return resp, err
}

// GetPageConversations lists a page's conversations
func (c *FacebookClient) GetPageConversations(ctx context.Context, pageID, pageAccessToken string, opts ListOptions) (GraphList, error) {
	if pageID == "" {
		return GraphList{}, domain.Validation("page_id_required")
	}
	if pageAccessToken == "" {
		return GraphList{}, domain.Unauthorized("page_access_token_required")
	}
	q := opts.values()
	q.Set("fields", "id,link,updated_time,message_count,unread_count,participants,senders,snippet")
	q.Set("access_token", pageAccessToken)

	var resp GraphList
	err := c.get(ctx, "/"+url.PathEscape(pageID)+"/conversations", q, &resp)
	return resp, err
}

// GetConversationMessages lists the messages of one conversation
func (c *FacebookClient) GetConversationMessages(ctx context.Context, conversationID, pageAccessToken string, opts ListOptions) (GraphList, error) {
	if conversationID == "" {
		return GraphList{}, domain.Validation("conversation_id_required")
	}
	if pageAccessToken == "" {
		return GraphList{}, domain.Unauthorized("page_access_token_required")
	}
	q := opts.values()
	q.Set("fields", "id,created_time,from,to,message,attachments{id,image_data,mime_type,name,size,video_data}")
	q.Set("access_token", pageAccessToken)

	var resp GraphList
	err := c.get(ctx, "/"+url.PathEscape(conversationID)+"/messages", q, &resp)
	return resp, err
}

// SendMessage sends a text message to a Facebook user through the Send API.
// Not retried: a retried send may deliver twice.
func (c *FacebookClient) SendMessage(ctx context.Context, pageID, recipientID, text, pageAccessToken string) (SendMessageResponse, error) {
	text = strings.TrimSpace(text)
	switch {
	case pageID == "":
		return SendMessageResponse{}, domain.Validation("page_id_required")
	case recipientID == "":
		return SendMessageResponse{}, domain.Validation("recipient_id_required")
	case text == "":
		return SendMessageResponse{}, domain.Validation("message_required")
	case pageAccessToken == "":
		return SendMessageResponse{}, domain.Unauthorized("page_access_token_required")
	}

	payload := SendMessageRequest{MessagingType: "RESPONSE"}
	payload.Recipient.ID = recipientID
	payload.Message.Text = text

	q := url.Values{}
	q.Set("access_token", pageAccessToken)

	slog.Info("Sending message to Facebook",
		"page_id", pageID,
		"recipient_psid", recipientID,
		"text_length", len(text),
	)

	var resp SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(pageID)+"/messages", q, payload, &resp); err != nil {
		return SendMessageResponse{}, err
	}

	slog.Info("Message sent successfully",
		"recipient_psid", recipientID,
		"message_id", resp.MessageID,
	)
	return resp, nil
}

// CreatePost publishes a post on the page feed
func (c *FacebookClient) CreatePost(ctx context.Context, pageID, pageAccessToken string, post PostRequest) (PostResponse, error) {
	post.Message = strings.TrimSpace(post.Message)
	switch {
	case pageID == "":
		return PostResponse{}, domain.Validation("page_id_required")
	case post.Message == "":
		return PostResponse{}, domain.Validation("message_required")
	case pageAccessToken == "":
		return PostResponse{}, domain.Unauthorized("page_access_token_required")
	}

	body := map[string]any{"message": post.Message}
	if post.Link != "" {
		body["link"] = post.Link
	}
	if post.Published != nil {
		body["published"] = *post.Published
	}

	q := url.Values{}
	q.Set("access_token", pageAccessToken)

	var resp PostResponse
	err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(pageID)+"/feed", q, body, &resp)
	return resp, err
}

// get performs a GET with retry on transport failures and 5xx responses
func (c *FacebookClient) get(ctx context.Context, path string, q url.Values, out any) error {
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err = c.do(ctx, http.MethodGet, path, q, nil, out)
		if err == nil || !retryable(err) {
			return err
		}

		if attempt < c.maxRetries {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			slog.Warn("Retrying Facebook API call",
				"path", path,
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff_ms", backoff.Milliseconds(),
				"error", err,
			)
			select {
			case <-ctx.Done():
				return domain.Upstream("facebook_api_request_failed", http.StatusBadGateway, nil, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return err
}

// do performs a single rate-limited request. Graph errors come back as
// *domain.Error of kind Upstream wrapping the matching ports sentinel.
func (c *FacebookClient) do(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Upstream("facebook_rate_limited", http.StatusTooManyRequests, nil, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return domain.Internal(fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return domain.Internal(fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("Failed to send request to Facebook", "error", err, "method", method, "path", path)
		return domain.Upstream("facebook_api_request_failed", http.StatusBadGateway, nil,
			fmt.Errorf("facebook api request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return mapGraphError(resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Upstream("facebook_api_invalid_response", http.StatusBadGateway, nil,
			fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// mapGraphError converts a non-2xx Graph response into a domain error
func mapGraphError(httpStatus int, body []byte) error {
	var envelope struct {
		Error *FacebookError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		slog.Error("Facebook API error (unparseable)",
			"status_code", httpStatus,
			"body", string(body),
		)
		status := http.StatusBadGateway
		if httpStatus < 500 {
			status = http.StatusBadRequest
		}
		return domain.Upstream("facebook_api_request_failed", status, nil,
			&httpStatusError{status: httpStatus})
	}

	fbErr := envelope.Error
	slog.Error("Facebook API error",
		"status_code", httpStatus,
		"error_code", fbErr.Code,
		"error_message", fbErr.Message,
		"error_subcode", fbErr.ErrorSubcode,
		"fbtrace_id", fbErr.FBTraceID,
	)

	detail := map[string]any{
		"code":       fbErr.Code,
		"type":       fbErr.Type,
		"message":    fbErr.Message,
		"fbtrace_id": fbErr.FBTraceID,
	}

	switch fbErr.Code {
	case 190: // Token expired/invalid
		return domain.Upstream("facebook_token_expired", http.StatusUnauthorized, detail, ports.ErrTokenExpired)
	case 4, 17, 32, 613: // Rate limiting
		return domain.Upstream("facebook_rate_limited", http.StatusTooManyRequests, detail, ports.ErrRateLimited)
	case 10, 200, 299: // Permission errors
		return domain.Upstream("facebook_permission_denied", http.StatusForbidden, detail, ports.ErrPermissionDenied)
	}

	status := http.StatusBadRequest
	if httpStatus >= 500 {
		status = http.StatusBadGateway
	}
	return domain.Upstream("facebook_api_error", status, detail,
		&httpStatusError{status: httpStatus, msg: fmt.Sprintf("code %d: %s", fbErr.Code, fbErr.Message)})
}

type httpStatusError struct {
	status int
	msg    string
}

func (e *httpStatusError) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("facebook api error %d: %s", e.status, e.msg)
	}
	return fmt.Sprintf("facebook api error %d", e.status)
}

// retryable reports transport failures and 5xx responses
func retryable(err error) bool {
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindUpstream {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	return de.Code == "facebook_api_request_failed"
}

func (o ListOptions) values() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", fmt.Sprint(min(o.Limit, maxListLimit)))
	}
	if o.After != "" {
		q.Set("after", o.After)
	}
	if o.Before != "" {
		q.Set("before", o.Before)
	}
	return q
}
