package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/mfaulkner/reviewbench/internal/activity"
	"github.com/mfaulkner/reviewbench/internal/common"
	"github.com/mfaulkner/reviewbench/internal/payload"
	"github.com/mfaulkner/reviewbench/internal/storage"
	"github.com/mfaulkner/reviewbench/pkg/config"
	"github.com/mfaulkner/reviewbench/pkg/types"
	"github.com/rs/zerolog/log"
)

// Service composes the repository, the blob payload store and the
// activity log into the save/load protocol: the device array goes to
// blob storage first, then the metadata row is conditionally updated.
// A blob written for a save that loses the compare-and-swap is orphaned
// but harmless; it is overwritten by the next winning save on the same
// stable path.
type Service struct {
	DB       *common.Database
	Storage  storage.BlobStorage
	Repo     *Repository
	Activity *activity.Service
	cfg      *config.SessionConfig
}

// NewService creates a new session service
func NewService(db *common.Database, blobStorage storage.BlobStorage, cfg *config.SessionConfig) *Service {
	return &Service{
		DB:       db,
		Storage:  blobStorage,
		Repo:     NewRepository(db.DB, cfg),
		Activity: activity.NewService(db.DB),
		cfg:      cfg,
	}
}

// Save persists a full session document. The first save of a new
// session_id creates the row at version 1; every later save is a
// compare-and-swap against the client's known version. Denormalized
// device counts are recomputed here, never trusted from the client.
func (s *Service) Save(ctx context.Context, doc *types.SessionDocument, actor string) (*types.ReviewSession, error) {
	if doc.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	encoded, err := payload.Encode(doc.Devices)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxPayloadBytes > 0 && int64(len(encoded)) > s.cfg.MaxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds maximum size of %d bytes", s.cfg.MaxPayloadBytes)
	}
	deviceCount, completedCount := payload.Counts(doc.Devices)

	blobPath := payload.BlobPath(doc.SessionID)
	if err := s.Storage.Store(ctx, blobPath, bytes.NewReader(encoded), payload.ContentType); err != nil {
		return nil, fmt.Errorf("failed to store device payload: %w", err)
	}
	blobURL := s.Storage.URL(blobPath)

	row := &types.ReviewSession{
		SessionID:            doc.SessionID,
		SessionName:          doc.SessionName,
		Filename:             doc.Filename,
		TotalRows:            doc.TotalRows,
		ProgressPercentage:   doc.ProgressPercentage,
		CurrentBatch:         doc.CurrentBatch,
		TotalBatches:         doc.TotalBatches,
		CompletedBatches:     doc.CompletedBatches,
		BlobURL:              &blobURL,
		DeviceCount:          deviceCount,
		CompletedDeviceCount: completedCount,
	}

	existing, err := s.Repo.Get(ctx, doc.SessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}

		if actor != "" {
			row.OwnerUserID = &actor
		}
		if err := s.Repo.Create(ctx, row); err != nil {
			return nil, err
		}
		s.Activity.Record(ctx, doc.SessionID, actor, types.ActivityCreated, row.Version, types.JSONMap{
			"filename":     doc.Filename,
			"device_count": deviceCount,
		})
		return row, nil
	}

	row.OwnerUserID = existing.OwnerUserID
	updated, err := s.Repo.Update(ctx, row, doc.Version)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.Activity.Record(ctx, doc.SessionID, actor, types.ActivityConflict, conflict.CurrentVersion, types.JSONMap{
				"attempted_version": conflict.AttemptedVersion,
			})
		}
		return nil, err
	}

	// an editor saving holds the edit session; keep their lock fresh
	if actor != "" {
		if err := s.Repo.RefreshLock(ctx, doc.SessionID, actor); err != nil {
			log.Warn().Err(err).Str("session_id", doc.SessionID).Msg("failed to refresh lock after save")
		}
	}

	s.Activity.Record(ctx, doc.SessionID, actor, types.ActivityUpdated, updated.Version, types.JSONMap{
		"device_count":    deviceCount,
		"completed_count": completedCount,
	})
	return updated, nil
}

// Load returns the merged session for editing. Loading is construed as
// starting to edit: the advisory lock is acquired for the requesting
// identity first, and a held lock fails the load rather than handing a
// second editor data they would silently overwrite.
func (s *Service) Load(ctx context.Context, sessionID, actor string) (*types.SessionDocument, *types.ReviewSession, error) {
	if err := s.Repo.AcquireLock(ctx, sessionID, actor); err != nil {
		return nil, nil, err
	}

	row, err := s.Repo.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	devices, err := s.loadDevices(ctx, row)
	if err != nil {
		return nil, nil, err
	}

	doc := &types.SessionDocument{
		SessionID:          row.SessionID,
		SessionName:        row.SessionName,
		Filename:           row.Filename,
		TotalRows:          row.TotalRows,
		ProgressPercentage: row.ProgressPercentage,
		CurrentBatch:       row.CurrentBatch,
		TotalBatches:       row.TotalBatches,
		CompletedBatches:   row.CompletedBatches,
		Version:            row.Version,
		LastUpdated:        row.UpdatedAt,
		Devices:            devices,
	}
	return doc, row, nil
}

// loadDevices resolves the device array from blob storage, falling back
// to the legacy inline column for rows predating the metadata/payload
// split.
func (s *Service) loadDevices(ctx context.Context, row *types.ReviewSession) ([]types.Device, error) {
	if row.BlobURL != nil {
		content, err := s.Storage.Retrieve(ctx, payload.BlobPath(row.SessionID))
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve device payload: %w", err)
		}
		defer content.Close()
		return payload.Decode(content)
	}

	if len(row.LegacyPayload) > 0 {
		log.Debug().Str("session_id", row.SessionID).Msg("loading legacy inline payload")
		return payload.DecodeBytes(row.LegacyPayload)
	}

	return nil, nil
}

// GetMetadata returns the metadata row without touching the payload
func (s *Service) GetMetadata(ctx context.Context, sessionID string) (*types.ReviewSession, error) {
	return s.Repo.Get(ctx, sessionID)
}

// List returns active sessions, most recently updated first
func (s *Service) List(ctx context.Context, ownerID *string, limit, offset int) ([]types.ReviewSession, error) {
	return s.Repo.List(ctx, ownerID, limit, offset)
}

// ListDeleted returns the trash, annotated with days until purge
func (s *Service) ListDeleted(ctx context.Context, ownerID *string, limit int) ([]types.DeletedSessionInfo, error) {
	return s.Repo.ListDeleted(ctx, ownerID, limit, s.cfg.RetentionDays)
}

// Delete soft-deletes a session and records the action
func (s *Service) Delete(ctx context.Context, sessionID, actor string) error {
	row, err := s.Repo.GetAny(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.Repo.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.Activity.Record(ctx, sessionID, actor, types.ActivityDeleted, row.Version, nil)
	return nil
}

// Restore brings a soft-deleted session back into the active set
func (s *Service) Restore(ctx context.Context, sessionID, actor string) error {
	if err := s.Repo.Restore(ctx, sessionID); err != nil {
		return err
	}
	row, err := s.Repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.Activity.Record(ctx, sessionID, actor, types.ActivityRestored, row.Version, nil)
	return nil
}

// PermanentDelete removes a session immediately: payload blob first
// (best-effort), then the metadata row and its audit trail.
func (s *Service) PermanentDelete(ctx context.Context, sessionID, actor string) error {
	if _, err := s.Repo.GetAny(ctx, sessionID); err != nil {
		return err
	}

	if err := s.Storage.Delete(ctx, payload.BlobPath(sessionID)); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to delete payload blob, continuing")
	}

	return s.Repo.HardDelete(ctx, sessionID)
}

// Unlock releases the caller's advisory lock; a no-op if they don't hold it
func (s *Service) Unlock(ctx context.Context, sessionID, actor string) error {
	return s.Repo.ReleaseLock(ctx, sessionID, actor)
}

// RefreshLock re-stamps the caller's lock as an editing heartbeat.
// Acquire semantics apply, so a lapsed lock is reclaimed if still free.
func (s *Service) RefreshLock(ctx context.Context, sessionID, actor string) error {
	return s.Repo.AcquireLock(ctx, sessionID, actor)
}

// Activity returns the most recent audit entries for a session
func (s *Service) ActivityFor(ctx context.Context, sessionID string, limit int) ([]types.ActivityLogEntry, error) {
	return s.Activity.List(ctx, sessionID, limit)
}

// Purge hard-deletes sessions past the retention window, dropping their
// payload blobs first (best-effort). Returns the count removed; zero
// eligible rows is not an error.
func (s *Service) Purge(ctx context.Context, retentionDays int) (int64, error) {
	expired, err := s.Repo.ListExpired(ctx, retentionDays)
	if err != nil {
		return 0, err
	}

	for _, sess := range expired {
		if err := s.Storage.Delete(ctx, payload.BlobPath(sess.SessionID)); err != nil {
			log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("failed to delete payload blob during purge")
		}
	}

	return s.Repo.PurgeExpired(ctx, retentionDays)
}
