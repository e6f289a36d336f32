// Package repository implements data persistence adapters
// Following Hexagonal Architecture: Adapters implement ports defined in core
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khunghaydien/sellbridge-backend/internal/core/domain"
	"github.com/khunghaydien/sellbridge-backend/internal/core/ports"
)

// Ensure MariaDBRepository implements the required interfaces
var (
	_ ports.WebhookRepository = (*MariaDBRepository)(nil)
	_ ports.PageTokenStore    = (*MariaDBRepository)(nil)
	_ ports.UserRepository    = (*MariaDBRepository)(nil)
)

// MariaDBRepository implements persistence operations for MariaDB
type MariaDBRepository struct {
	db *sql.DB
}

// NewMariaDBRepository creates a new MariaDB repository instance
func NewMariaDBRepository(db *sql.DB) *MariaDBRepository {
	return &MariaDBRepository{
		db: db,
	}
}

// ============================================================================
// WebhookRepository Implementation
// ============================================================================

// SaveLog persists a webhook delivery to the audit log and returns its id
func (r *MariaDBRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) (int64, error) {
	query := `
		INSERT INTO webhook_logs (platform, payload_json, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		log.Platform,
		[]byte(log.PayloadJSON),
		log.Status,
		log.RetryCount,
		log.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("save webhook log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	slog.Debug("Webhook log saved",
		"webhook_id", id,
		"platform", log.Platform,
		"status", log.Status,
	)
	return id, nil
}

// UpdateStatus updates the processing status of a webhook log
func (r *MariaDBRepository) UpdateStatus(ctx context.Context, id int64, status string, errorLog *string) error {
	query := `
		UPDATE webhook_logs
		SET status = ?, error_log = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, errorLog, id)
	if err != nil {
		return fmt.Errorf("update webhook status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		slog.Warn("No webhook log found for status update",
			"webhook_id", id,
		)
	}
	return nil
}

// PurgeProcessed deletes up to limit processed logs older than cutoff
func (r *MariaDBRepository) PurgeProcessed(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM webhook_logs
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	result, err := r.db.ExecContext(ctx, query, domain.WebhookStatusProcessed, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("purge webhook logs: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// ============================================================================
// PageTokenStore Implementation
// ============================================================================

// GetPageAccessToken retrieves the access token of an active page
func (r *MariaDBRepository) GetPageAccessToken(ctx context.Context, pageID string) (string, error) {
	query := `SELECT access_token FROM pages WHERE page_id = ? AND is_active = TRUE LIMIT 1`

	var accessToken string
	err := r.db.QueryRowContext(ctx, query, pageID).Scan(&accessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ports.ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get page access token: %w", err)
	}

	slog.Debug("Retrieved page access token", "page_id", pageID)
	return accessToken, nil
}

// PutPageAccessToken stores a token and (re)activates the page
func (r *MariaDBRepository) PutPageAccessToken(ctx context.Context, pageID, token string) error {
	query := `
		INSERT INTO pages (page_id, access_token, is_active)
		VALUES (?, ?, TRUE)
		ON DUPLICATE KEY UPDATE
			access_token = VALUES(access_token),
			is_active = TRUE
	`

	if _, err := r.db.ExecContext(ctx, query, pageID, token); err != nil {
		return fmt.Errorf("put page access token: %w", err)
	}
	return nil
}

// DeactivatePage disables a page when its token expires or becomes invalid
func (r *MariaDBRepository) DeactivatePage(ctx context.Context, pageID string) error {
	query := `
		UPDATE pages
		SET is_active = FALSE
		WHERE page_id = ?
	`

	result, err := r.db.ExecContext(ctx, query, pageID)
	if err != nil {
		return fmt.Errorf("deactivate page: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		slog.Warn("Page deactivated: token expired or invalid",
			"page_id", pageID,
			"action", "page must be reconnected",
		)
	}
	return nil
}

// ============================================================================
// UserRepository Implementation
// ============================================================================

const userColumns = `id, email, username, facebook_access_token, facebook_token_expires_at`

// GetUserByID looks a user up by primary key
func (r *MariaDBRepository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getUser(ctx, "id", id)
}

// GetUserByEmail looks a user up by email
func (r *MariaDBRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getUser(ctx, "email", email)
}

// getUser reads one row of the user table; column is never caller input
func (r *MariaDBRepository) getUser(ctx context.Context, column, value string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM user WHERE ` + column + ` = ? LIMIT 1`

	var (
		u         domain.User
		fbToken   sql.NullString
		expiresAt sql.NullInt64 // unix milliseconds
	)
	err := r.db.QueryRowContext(ctx, query, value).Scan(&u.ID, &u.Email, &u.Name, &fbToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by %s: %w", column, err)
	}

	if fbToken.Valid && fbToken.String != "" {
		u.FacebookAccessToken = &fbToken.String
	}
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		u.FacebookTokenExpiry = &t
	}
	return &u, nil
}
