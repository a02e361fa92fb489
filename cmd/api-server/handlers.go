package main

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mfaulkner/reviewbench/cmd/api-server/middleware"
	"github.com/mfaulkner/reviewbench/internal/session"
	"github.com/mfaulkner/reviewbench/pkg/types"
	"github.com/rs/zerolog/log"
)

// decodeSessionBody reads a session document from the request, handling
// gzip-compressed bodies. Device arrays compress well, so clients send
// saves with Content-Encoding: gzip.
func decodeSessionBody(c *gin.Context, maxBytes int64) (*types.SessionDocument, error) {
	var reader io.Reader = c.Request.Body
	if maxBytes > 0 {
		reader = io.LimitReader(reader, maxBytes+1)
	}

	if strings.EqualFold(c.GetHeader("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}

	var doc types.SessionDocument
	if err := json.NewDecoder(reader).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// respondSessionError maps repository errors to HTTP status codes:
// version conflicts to 409, held locks to 423, unknown sessions to 404.
func respondSessionError(c *gin.Context, err error) {
	var conflict *session.ConflictError
	var locked *session.LockedError

	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, types.ConflictResponse{
			Error:            "CONFLICT",
			CurrentVersion:   conflict.CurrentVersion,
			AttemptedVersion: conflict.AttemptedVersion,
		})
	case errors.As(err, &locked):
		c.JSON(http.StatusLocked, types.LockedResponse{
			Error:    "LOCKED",
			LockedBy: locked.LockedBy,
			LockedAt: locked.LockedAt,
		})
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, types.APIResponse{
			Success: false,
			Error:   "session not found",
		})
	case errors.Is(err, session.ErrDuplicateSession):
		c.JSON(http.StatusConflict, types.APIResponse{
			Success: false,
			Error:   err.Error(),
		})
	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("session operation failed")
		c.JSON(http.StatusInternalServerError, types.APIResponse{
			Success: false,
			Error:   "internal server error",
		})
	}
}

// handleSaveSession persists a full session document: create on first
// save, compare-and-swap update afterwards.
func handleSaveSession(sessions *session.Service, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := decodeSessionBody(c, maxBytes)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid request body: " + err.Error(),
			})
			return
		}
		if doc.SessionID == "" {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "session_id is required",
			})
			return
		}

		stored, err := sessions.Save(c.Request.Context(), doc, middleware.Actor(c))
		if err != nil {
			respondSessionError(c, err)
			return
		}

		c.JSON(http.StatusOK, types.SaveResponse{
			SessionID: stored.SessionID,
			Version:   stored.Version,
			LastSaved: stored.UpdatedAt,
		})
	}
}

// handleGetSession loads a session for editing. Loading acquires the
// advisory lock for the requester; a lock held by someone else fails
// the load with 423 so a second editor cannot view-and-silently-overwrite.
func handleGetSession(sessions *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, _, err := sessions.Load(c.Request.Context(), c.Param("id"), middleware.Actor(c))
		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

// handleListSessions returns active sessions, most recently updated first
func handleListSessions(sessions *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := intQuery(c, "limit", 50)
		offset := intQuery(c, "offset", 0)

		var owner *string
		if o := c.Query("owner"); o != "" {
			owner = &o
		}

		list, err := sessions.List(c.Request.Context(), owner, limit, offset)
		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: list})
	}
}

// handleListDeleted returns the trash with days remaining until purge
func handleListDeleted(sessions *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := intQuery(c, "limit", 50)

		var owner *string
		if o := c.Query("owner"); o != "" {
			owner = &o
		}

		list, err := sessions.ListDeleted(c.Request.Context(), owner, limit)
		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: list})
	}
}

// patchRequest is the body of PATCH /sessions/:id
type patchRequest struct {
	Action string `json:"action" binding:"required"`
}

// handlePatchSession handles lock release, lock heartbeat and restore
func handlePatchSession(sessions *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req patchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "action is required",
			})
			return
		}

		id := c.Param("id")
		actor := middleware.Actor(c)

		var err error
		switch req.Action {
		case "unlock":
			err = sessions.Unlock(c.Request.Context(), id, actor)
		case "refresh":
			err = sessions.RefreshLock(c.Request.Context(), id, actor)
		case "restore":
			err = sessions.Restore(c.Request.Context(), id, actor)
		default:
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "unknown action: " + req.Action,
			})
			return
		}

		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: req.Action + " applied"})
	}
}

// handleDeleteSession soft-deletes by default; ?permanent=true removes
// the row and its payload blob immediately.
func handleDeleteSession(sessions *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		actor := middleware.Actor(c)

		var err error
		if c.Query("permanent") == "true" {
			err = sessions.PermanentDelete(c.Request.Context(), id, actor)
		} else {
			err = sessions.Delete(c.Request.Context(), id, actor)
		}

		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "session deleted"})
	}
}

// handleSessionActivity returns the audit trail for a session
func handleSessionActivity(sessions *session.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := intQuery(c, "limit", 100)

		entries, err := sessions.ActivityFor(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			respondSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: entries})
	}
}

func intQuery(c *gin.Context, name string, defaultValue int) int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return defaultValue
}
