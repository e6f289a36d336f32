package ports

import (
	"context"
	"errors"

	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
)

var (
	// ErrTokenNotFound means no active page credential is known
	ErrTokenNotFound = errors.New("page access token not found")

	// ErrUserNotFound means the user storage has no matching record
	ErrUserNotFound = errors.New("user not found")

	// ErrTokenExpired indicates the page access token is expired or invalid (Graph code 190)
	// Callers should deactivate the page when this error is received
	ErrTokenExpired = errors.New("facebook access token expired or invalid")

	// ErrRateLimited indicates Facebook rate limit exceeded (code 4, 17, 32, 613)
	ErrRateLimited = errors.New("facebook rate limit exceeded")

	// ErrPermissionDenied indicates missing permissions (code 10, 200, 299)
	ErrPermissionDenied = errors.New("facebook permission denied")
)

// ProfileFetcher resolves a platform user's display identity through the Graph API
type ProfileFetcher interface {
	GetUserProfile(ctx context.Context, userID, pageAccessToken string) (domain.SenderInfo, error)
}

// Broadcaster delivers a payload to every connection subscribed to pageID
// and returns how many connections it reached.
type Broadcaster interface {
	BroadcastToPage(pageID string, kind domain.BroadcastKind, payload any) int
}
