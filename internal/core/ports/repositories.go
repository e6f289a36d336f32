// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"time"

	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
)

// WebhookRepository handles persistence of webhook audit logs
type WebhookRepository interface {
	// SaveLog persists a webhook delivery and returns its log id
	SaveLog(ctx context.Context, log *domain.WebhookLog) (int64, error)

	// UpdateStatus records the processing outcome: pending -> processed/failed
	UpdateStatus(ctx context.Context, id int64, status string, errorLog *string) error

	// PurgeProcessed deletes at most limit processed logs created before cutoff
	PurgeProcessed(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// PageTokenStore resolves page-scoped access credentials.
// Get returns ErrTokenNotFound when no active credential is known for the page.
type PageTokenStore interface {
	GetPageAccessToken(ctx context.Context, pageID string) (string, error)
	PutPageAccessToken(ctx context.Context, pageID, token string) error
	// DeactivatePage disables a credential rejected by the platform
	DeactivatePage(ctx context.Context, pageID string) error
}

// UserRepository is the user storage collaborator.
// Both lookups return ErrUserNotFound when no record matches.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
}
