// Package activity maintains the append-only audit trail of session
// mutations. Entries are never updated or deleted except by cascade when
// a session row is hard-deleted.
package activity

import (
	"context"
	"fmt"

	"github.com/mfaulkner/reviewbench/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service records and queries activity log entries
type Service struct {
	db *gorm.DB
}

// NewService creates a new activity log service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Record appends an entry. Best-effort: a logging failure must never
// abort the primary operation, so failures are logged and swallowed.
func (s *Service) Record(ctx context.Context, sessionID, actor string, action types.ActivityAction, version int64, metadata types.JSONMap) {
	entry := &types.ActivityLogEntry{
		SessionID: sessionID,
		Actor:     actor,
		Action:    action,
		Version:   version,
		Metadata:  metadata,
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("action", string(action)).
			Msg("failed to record activity log entry")
		return
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("actor", actor).
		Str("action", string(action)).
		Int64("version", version).
		Msg("activity recorded")
}

// List returns the most recent entries for a session, newest first
func (s *Service) List(ctx context.Context, sessionID string, limit int) ([]types.ActivityLogEntry, error) {
	query := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []types.ActivityLogEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	return entries, nil
}
