// Package client is the client-side session store: it holds the single
// active session, tracks unsaved changes, and speaks the save/load
// protocol. State is explicit and instance-scoped rather than a
// package-level singleton, so save/load/conflict transitions stay
// testable.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mfaulkner/reviewbench/pkg/types"
)

// ErrNoSession is returned when an operation needs an active session
var ErrNoSession = errors.New("no active session")

// ErrNotFound is returned when the server does not know the session id
var ErrNotFound = errors.New("session not found")

// ErrConflict is returned when a save loses the version race. Local
// edits are preserved; Conflict() carries both version numbers.
var ErrConflict = errors.New("version conflict")

// ErrLocked is returned when another editor holds the session lock.
// Locked() carries the holder and lock time.
var ErrLocked = errors.New("session locked")

// ConflictState describes a failed save: the version the save carried
// and the version the server is at now.
type ConflictState struct {
	AttemptedVersion int64
	CurrentVersion   int64
}

// LockedState describes a load denied by another editor's lock
type LockedState struct {
	LockedBy string
	LockedAt time.Time
}

// Store holds the active session and its derived UI flags
type Store struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu          sync.Mutex
	current     *types.SessionDocument
	dirty       bool
	lastSavedAt time.Time
	conflict    *ConflictState
	locked      *LockedState
}

// New creates a session store talking to the given API base URL with
// the given identity token. A nil httpClient gets a sensible default.
func New(baseURL, token string, httpClient *http.Client) *Store {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Store{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// SetSession adopts a freshly parsed upload as the active session.
// A zero version marks it as never saved.
func (s *Store) SetSession(doc *types.SessionDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = doc
	s.dirty = true
	s.conflict = nil
	s.locked = nil
}

// Current returns the active session document, or nil
func (s *Store) Current() *types.SessionDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Dirty reports whether there are unsaved local changes
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// LastSavedAt returns the time of the last successful save
func (s *Store) LastSavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSavedAt
}

// Conflict returns the pending conflict state, or nil
func (s *Store) Conflict() *ConflictState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflict
}

// Locked returns the lock denial from the last load attempt, or nil
func (s *Store) Locked() *LockedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// UpdateDevice applies a local edit to one device record. Edits are
// batched: nothing is sent until Save is called.
func (s *Store) UpdateDevice(index int, mutate func(*types.Device)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoSession
	}
	if index < 0 || index >= len(s.current.Devices) {
		return fmt.Errorf("device index %d out of range", index)
	}

	mutate(&s.current.Devices[index])
	s.markDirtyLocked()
	return nil
}

// SetCurrentBatch records batch navigation as a local change
func (s *Store) SetCurrentBatch(batch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoSession
	}
	s.current.CurrentBatch = batch
	s.markDirtyLocked()
	return nil
}

// MarkBatchComplete adds a batch to the completed set
func (s *Store) MarkBatchComplete(batch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoSession
	}
	for _, b := range s.current.CompletedBatches {
		if b == batch {
			return nil
		}
	}
	s.current.CompletedBatches = append(s.current.CompletedBatches, batch)
	s.markDirtyLocked()
	return nil
}

// markDirtyLocked bumps the local timestamp and recomputes the derived
// progress percentage. Callers hold s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	s.current.LastUpdated = time.Now().UTC()

	if n := len(s.current.Devices); n > 0 {
		completed := 0
		for i := range s.current.Devices {
			if s.current.Devices[i].Status.Completed() {
				completed++
			}
		}
		s.current.ProgressPercentage = 100 * float64(completed) / float64(n)
	}
}

// Save serializes the active session, compresses it and posts it with
// the locally-known version. On success the server's version replaces
// the local one and the dirty flag clears. On a conflict local edits
// stay intact; the caller decides whether to Refresh.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	body, err := json.Marshal(s.current)
	attempted := s.current.Version
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return fmt.Errorf("failed to compress session: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress session: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/sessions", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	s.setAuth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("save request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var saved types.SaveResponse
		if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
			return fmt.Errorf("failed to decode save response: %w", err)
		}
		s.mu.Lock()
		if s.current != nil && s.current.SessionID == saved.SessionID {
			s.current.Version = saved.Version
			s.dirty = false
			s.lastSavedAt = saved.LastSaved
			s.conflict = nil
		}
		s.mu.Unlock()
		return nil

	case http.StatusConflict:
		var conflict types.ConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return fmt.Errorf("failed to decode conflict response: %w", err)
		}
		s.mu.Lock()
		s.conflict = &ConflictState{
			AttemptedVersion: attempted,
			CurrentVersion:   conflict.CurrentVersion,
		}
		s.mu.Unlock()
		return fmt.Errorf("%w: local version %d, server version %d",
			ErrConflict, attempted, conflict.CurrentVersion)

	default:
		return unexpectedStatus(resp)
	}
}

// Load fetches a session and replaces local state wholesale. A 423
// records the holder instead of entering edit mode.
func (s *Store) Load(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/api/v1/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	s.setAuth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("load request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var doc types.SessionDocument
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}
		s.mu.Lock()
		s.current = &doc
		s.dirty = false
		s.conflict = nil
		s.locked = nil
		s.mu.Unlock()
		return nil

	case http.StatusLocked:
		var locked types.LockedResponse
		if err := json.NewDecoder(resp.Body).Decode(&locked); err != nil {
			return fmt.Errorf("failed to decode lock response: %w", err)
		}
		s.mu.Lock()
		s.locked = &LockedState{LockedBy: locked.LockedBy, LockedAt: locked.LockedAt}
		s.mu.Unlock()
		return fmt.Errorf("%w by %s since %s", ErrLocked, locked.LockedBy,
			locked.LockedAt.Format(time.RFC3339))

	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)

	default:
		return unexpectedStatus(resp)
	}
}

// Refresh discards local state and reloads the active session from the
// server; the user re-applies any edits they want to keep.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	id := s.current.SessionID
	s.mu.Unlock()

	return s.Load(ctx, id)
}

// Unlock releases this editor's advisory lock on the active session
func (s *Store) Unlock(ctx context.Context) error {
	return s.patch(ctx, "unlock")
}

// Heartbeat re-stamps the lock so it does not expire mid-session
func (s *Store) Heartbeat(ctx context.Context) error {
	return s.patch(ctx, "refresh")
}

func (s *Store) patch(ctx context.Context, action string) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	id := s.current.SessionID
	s.mu.Unlock()

	body, _ := json.Marshal(map[string]string{"action": action})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		s.baseURL+"/api/v1/sessions/"+id, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.setAuth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus(resp)
	}
	return nil
}

func (s *Store) setAuth(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
