package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mfaulkner/reviewbench/pkg/config"
	"github.com/mfaulkner/reviewbench/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Repository implements session metadata persistence: optimistic-locking
// version control, TTL-bounded advisory locks and soft delete with timed
// retention. Every operation that decides between concurrent writers is
// a single conditional UPDATE; the storage layer's conditional-write
// guarantee is the only atomicity this package relies on.
type Repository struct {
	db      *gorm.DB
	lockTTL time.Duration
}

// NewRepository creates a session repository. Lock TTL comes from
// configuration; it is policy, not an invariant.
func NewRepository(db *gorm.DB, cfg *config.SessionConfig) *Repository {
	return &Repository{
		db:      db,
		lockTTL: cfg.LockTTL,
	}
}

// Create inserts a new metadata row at version 1, unlocked and not
// deleted. A session_id collision fails with ErrDuplicateSession rather
// than overwriting.
func (r *Repository) Create(ctx context.Context, sess *types.ReviewSession) error {
	sess.Version = 1
	sess.LockedBy = nil
	sess.LockedAt = nil
	sess.DeletedAt = nil

	if err := r.db.WithContext(ctx).Create(sess).Error; err != nil {
		if isDuplicateErr(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, sess.SessionID)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().
		Str("session_id", sess.SessionID).
		Int("device_count", sess.DeviceCount).
		Msg("session created")
	return nil
}

// Get fetches an active session's metadata row. The device payload is
// the caller's responsibility via BlobURL; many call sites only need
// metadata.
func (r *Repository) Get(ctx context.Context, sessionID string) (*types.ReviewSession, error) {
	var sess types.ReviewSession
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND deleted_at IS NULL", sessionID).
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// GetAny fetches a session's metadata row regardless of deletion state
func (r *Repository) GetAny(ctx context.Context, sessionID string) (*types.ReviewSession, error) {
	var sess types.ReviewSession
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// Update applies a save through a compare-and-swap on the version
// column. There is no locking window between read and write; the
// conditional WHERE clause is the sole correctness mechanism. On a
// version miss the returned ConflictError carries both the attempted
// and the row's current version.
func (r *Repository) Update(ctx context.Context, sess *types.ReviewSession, expectedVersion int64) (*types.ReviewSession, error) {
	// map-based Updates skips the field serializer, so the batch set is
	// marshaled here before it reaches the SQL builder
	completedBatches, err := json.Marshal(sess.CompletedBatches)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completed batches: %w", err)
	}

	res := r.db.WithContext(ctx).
		Model(&types.ReviewSession{}).
		Where("session_id = ? AND version = ? AND deleted_at IS NULL", sess.SessionID, expectedVersion).
		Updates(map[string]interface{}{
			"session_name":           sess.SessionName,
			"filename":               sess.Filename,
			"total_rows":             sess.TotalRows,
			"progress_percentage":    sess.ProgressPercentage,
			"current_batch":          sess.CurrentBatch,
			"total_batches":          sess.TotalBatches,
			"completed_batches":      string(completedBatches),
			"blob_url":               sess.BlobURL,
			"legacy_payload":         nil,
			"device_count":           sess.DeviceCount,
			"completed_device_count": sess.CompletedDeviceCount,
			"version":                gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update session: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		current, err := r.GetAny(ctx, sess.SessionID)
		if err != nil || current.DeletedAt != nil {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sess.SessionID)
		}
		log.Warn().
			Str("session_id", sess.SessionID).
			Int64("attempted_version", expectedVersion).
			Int64("current_version", current.Version).
			Msg("optimistic lock conflict")
		return nil, &ConflictError{
			SessionID:        sess.SessionID,
			AttemptedVersion: expectedVersion,
			CurrentVersion:   current.Version,
		}
	}

	updated, err := r.Get(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sess.SessionID).
		Int64("version", updated.Version).
		Int("device_count", updated.DeviceCount).
		Msg("session updated")
	return updated, nil
}

// Delete soft-deletes a session. Already-deleted sessions are a no-op.
func (r *Repository) Delete(ctx context.Context, sessionID string) error {
	res := r.db.WithContext(ctx).
		Model(&types.ReviewSession{}).
		Where("session_id = ? AND deleted_at IS NULL", sessionID).
		Update("deleted_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("failed to delete session: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		if _, err := r.GetAny(ctx, sessionID); err != nil {
			return err
		}
		// already soft-deleted
		return nil
	}

	log.Info().Str("session_id", sessionID).Msg("session soft-deleted")
	return nil
}

// Restore clears a session's soft-delete marker. Restoring an active
// session is a no-op.
func (r *Repository) Restore(ctx context.Context, sessionID string) error {
	res := r.db.WithContext(ctx).
		Model(&types.ReviewSession{}).
		Where("session_id = ? AND deleted_at IS NOT NULL", sessionID).
		Update("deleted_at", nil)
	if res.Error != nil {
		return fmt.Errorf("failed to restore session: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		if _, err := r.GetAny(ctx, sessionID); err != nil {
			return err
		}
		return nil
	}

	log.Info().Str("session_id", sessionID).Msg("session restored")
	return nil
}

// List returns active sessions, most recently updated first. The owner
// filter is optional; the system runs fully collaborative when omitted.
func (r *Repository) List(ctx context.Context, ownerID *string, limit, offset int) ([]types.ReviewSession, error) {
	query := r.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("updated_at DESC")
	if ownerID != nil {
		query = query.Where("owner_user_id = ?", *ownerID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var sessions []types.ReviewSession
	if err := query.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// ListDeleted returns soft-deleted sessions annotated with days left
// until the retention purge removes them.
func (r *Repository) ListDeleted(ctx context.Context, ownerID *string, limit, retentionDays int) ([]types.DeletedSessionInfo, error) {
	query := r.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL").
		Order("deleted_at DESC")
	if ownerID != nil {
		query = query.Where("owner_user_id = ?", *ownerID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var sessions []types.ReviewSession
	if err := query.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list deleted sessions: %w", err)
	}

	now := time.Now().UTC()
	infos := make([]types.DeletedSessionInfo, 0, len(sessions))
	for _, s := range sessions {
		elapsed := int(now.Sub(*s.DeletedAt).Hours() / 24)
		remaining := retentionDays - elapsed
		if remaining < 0 {
			remaining = 0
		}
		infos = append(infos, types.DeletedSessionInfo{ReviewSession: s, DaysRemaining: remaining})
	}
	return infos, nil
}

// ListExpired returns soft-deleted sessions past the retention cutoff,
// so the caller can drop their payload blobs before the hard delete.
func (r *Repository) ListExpired(ctx context.Context, retentionDays int) ([]types.ReviewSession, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var sessions []types.ReviewSession
	err := r.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL AND deleted_at < ?", cutoff).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return sessions, nil
}

// PurgeExpired hard-deletes sessions whose deleted_at is older than the
// retention window, cascading their activity log entries. Idempotent and
// safe alongside normal traffic: the condition only matches rows past
// the cutoff. Returns the number of sessions removed.
func (r *Repository) PurgeExpired(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	expired, err := r.ListExpired(ctx, retentionDays)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.SessionID)
	}

	res := r.db.WithContext(ctx).
		Where("session_id IN ? AND deleted_at IS NOT NULL AND deleted_at < ?", ids, cutoff).
		Delete(&types.ReviewSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", res.Error)
	}

	if err := r.db.WithContext(ctx).
		Where("session_id IN ?", ids).
		Delete(&types.ActivityLogEntry{}).Error; err != nil {
		// audit rows for gone sessions; worth a log line, not a failed purge
		log.Error().Err(err).Msg("failed to cascade activity log entries")
	}

	log.Info().Int64("purged", res.RowsAffected).Int("retention_days", retentionDays).Msg("retention purge complete")
	return res.RowsAffected, nil
}

// HardDelete immediately removes a session row and its activity log
// entries, bypassing the retention window.
func (r *Repository) HardDelete(ctx context.Context, sessionID string) error {
	res := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&types.ReviewSession{})
	if res.Error != nil {
		return fmt.Errorf("failed to hard-delete session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&types.ActivityLogEntry{}).Error; err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to cascade activity log entries")
	}

	log.Info().Str("session_id", sessionID).Msg("session hard-deleted")
	return nil
}

// AcquireLock takes the advisory lock for an editor. The lock is
// available when unheld, already held by the same editor (re-acquire /
// refresh), or held but expired past the TTL; expiry is evaluated lazily
// here, never by a background sweep. Acquiring always restamps
// locked_at.
func (r *Repository) AcquireLock(ctx context.Context, sessionID, editorID string) error {
	const attempts = 2

	for attempt := 0; attempt < attempts; attempt++ {
		now := time.Now().UTC()
		cutoff := now.Add(-r.lockTTL)

		res := r.db.WithContext(ctx).
			Model(&types.ReviewSession{}).
			Where("session_id = ? AND deleted_at IS NULL AND (locked_by IS NULL OR locked_by = ? OR locked_at IS NULL OR locked_at < ?)",
				sessionID, editorID, cutoff).
			Updates(map[string]interface{}{
				"locked_by": editorID,
				"locked_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to acquire lock: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		current, err := r.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if current.LockedBy == nil || current.LockedAt == nil {
			// holder released between the update and the re-read; the
			// lock is free again, take another pass
			continue
		}
		log.Debug().
			Str("session_id", sessionID).
			Str("requested_by", editorID).
			Str("locked_by", *current.LockedBy).
			Msg("lock acquisition denied")
		return &LockedError{
			SessionID: sessionID,
			LockedBy:  *current.LockedBy,
			LockedAt:  *current.LockedAt,
		}
	}

	return fmt.Errorf("failed to acquire lock on session %s: lock state kept changing", sessionID)
}

// ReleaseLock clears the lock only if held by the given editor; a no-op
// otherwise, so one editor cannot release another's lock.
func (r *Repository) ReleaseLock(ctx context.Context, sessionID, editorID string) error {
	res := r.db.WithContext(ctx).
		Model(&types.ReviewSession{}).
		Where("session_id = ? AND locked_by = ?", sessionID, editorID).
		Updates(map[string]interface{}{
			"locked_by": nil,
			"locked_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to release lock: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Debug().Str("session_id", sessionID).Str("editor", editorID).Msg("lock released")
	}
	return nil
}

// RefreshLock restamps locked_at only if held by the given editor; used
// as a heartbeat so an active editor's lock does not expire mid-session.
func (r *Repository) RefreshLock(ctx context.Context, sessionID, editorID string) error {
	res := r.db.WithContext(ctx).
		Model(&types.ReviewSession{}).
		Where("session_id = ? AND locked_by = ?", sessionID, editorID).
		Update("locked_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("failed to refresh lock: %w", res.Error)
	}
	return nil
}

// isDuplicateErr detects a unique-index violation across the dialects we
// run on (pgx translated errors, raw postgres, sqlite in tests).
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
