package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// ReviewSession is the metadata row for one review session. The device
// array itself lives in blob storage at BlobURL; this row carries only
// small aggregates plus the concurrency-control fields.
//
// DeletedAt is a plain nullable column, not gorm.DeletedAt: soft-deleted
// rows must stay reachable for the trash listing, restore and retention
// purge, so the repository controls the filter explicitly.
type ReviewSession struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	SessionID   string    `json:"session_id" gorm:"uniqueIndex;not null"`
	SessionName string    `json:"session_name"`
	Filename    string    `json:"filename"`
	OwnerUserID *string   `json:"owner_user_id" gorm:"index"`

	TotalRows          int     `json:"total_rows"`
	ProgressPercentage float64 `json:"progress_percentage"`
	CurrentBatch       int     `json:"current_batch"`
	TotalBatches       int     `json:"total_batches"`
	CompletedBatches   []int   `json:"completed_batches" gorm:"serializer:json"`

	// BlobURL is nil only for legacy rows whose payload is still inline
	// in LegacyPayload. Every save writes the blob and clears the column.
	BlobURL       *string `json:"blob_url"`
	LegacyPayload []byte  `json:"-"`

	// Denormalized by the writer on every save so listings never need
	// to fetch the payload.
	DeviceCount          int `json:"device_count"`
	CompletedDeviceCount int `json:"completed_device_count"`

	// Version increases by exactly 1 per successful update, enforced by
	// a conditional UPDATE (compare-and-swap) in the repository.
	Version int64 `json:"version" gorm:"not null;default:1"`

	// Advisory lock. Considered expired once LockedAt is older than the
	// configured TTL regardless of holder.
	LockedBy *string    `json:"locked_by"`
	LockedAt *time.Time `json:"locked_at"`

	DeletedAt *time.Time `json:"deleted_at" gorm:"index"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BeforeCreate generates a UUID for the surrogate ID
func (s *ReviewSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// DeviceStatus is the reviewer-assigned state of a single device record
type DeviceStatus string

const (
	DevicePending        DeviceStatus = "pending"
	DeviceApproved       DeviceStatus = "approved"
	DeviceCustomSelected DeviceStatus = "custom_selected"
	DeviceSkipped        DeviceStatus = "skipped"
	DeviceRejected       DeviceStatus = "rejected"
)

// Completed reports whether the status counts toward completed_device_count
func (s DeviceStatus) Completed() bool {
	switch s {
	case DeviceApproved, DeviceCustomSelected, DeviceRejected:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known values
func (s DeviceStatus) Valid() bool {
	switch s {
	case DevicePending, DeviceApproved, DeviceCustomSelected, DeviceSkipped, DeviceRejected:
		return true
	}
	return false
}

// Device is one record of the device array payload
type Device struct {
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model"`
	CatalogNumber    string   `json:"catalog_number,omitempty"`
	UDI              string   `json:"udi,omitempty"`
	CandidateImages  []string `json:"candidate_images,omitempty"`
	CandidateManuals []string `json:"candidate_manuals,omitempty"`

	Status          DeviceStatus `json:"status"`
	SelectedImage   string       `json:"selected_image,omitempty"`
	SelectedManual  string       `json:"selected_manual,omitempty"`
	CustomImageURL  string       `json:"custom_image_url,omitempty"`
	CustomImageType string       `json:"custom_image_type,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	Category        string       `json:"category,omitempty"`
	Subcategory     string       `json:"subcategory,omitempty"`
}

// SessionDocument is the full session as exchanged with clients:
// metadata plus the device array.
type SessionDocument struct {
	SessionID          string    `json:"session_id" binding:"required"`
	SessionName        string    `json:"session_name"`
	Filename           string    `json:"filename"`
	TotalRows          int       `json:"total_rows"`
	ProgressPercentage float64   `json:"progress_percentage"`
	CurrentBatch       int       `json:"current_batch"`
	TotalBatches       int       `json:"total_batches"`
	CompletedBatches   []int     `json:"completed_batches"`
	Version            int64     `json:"version"`
	LastUpdated        time.Time `json:"last_updated"`
	Devices            []Device  `json:"devices"`
}

// ActivityAction is the kind of a session activity log entry
type ActivityAction string

const (
	ActivityCreated  ActivityAction = "created"
	ActivityUpdated  ActivityAction = "updated"
	ActivityDeleted  ActivityAction = "deleted"
	ActivityRestored ActivityAction = "restored"
	ActivityConflict ActivityAction = "conflict"
)

// ActivityLogEntry is an immutable audit record. Append-only; never
// updated or deleted except by cascade when a session row is hard-deleted.
type ActivityLogEntry struct {
	ID        uuid.UUID      `json:"id" gorm:"primaryKey"`
	SessionID string         `json:"session_id" gorm:"index;not null"`
	Actor     string         `json:"actor"`
	Action    ActivityAction `json:"action" gorm:"not null"`
	Version   int64          `json:"version"`
	Metadata  JSONMap        `json:"metadata" gorm:"serializer:json"`
	CreatedAt time.Time      `json:"created_at"`
}

// BeforeCreate generates a UUID for the log entry ID
func (a *ActivityLogEntry) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// SaveResponse is returned on a successful session save
type SaveResponse struct {
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	LastSaved time.Time `json:"lastSaved"`
}

// ConflictResponse is the 409 body for an optimistic-lock conflict
type ConflictResponse struct {
	Error            string `json:"error"` // always "CONFLICT"
	CurrentVersion   int64  `json:"currentVersion"`
	AttemptedVersion int64  `json:"attemptedVersion"`
}

// LockedResponse is the 423 body when another editor holds the lock
type LockedResponse struct {
	Error    string    `json:"error"` // always "LOCKED"
	LockedBy string    `json:"lockedBy"`
	LockedAt time.Time `json:"lockedAt"`
}

// DeletedSessionInfo annotates a soft-deleted session with time left
// until the retention purge removes it.
type DeletedSessionInfo struct {
	ReviewSession
	DaysRemaining int `json:"days_remaining"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}
