package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mfaulkner/reviewbench/internal/common"
	"github.com/mfaulkner/reviewbench/internal/session"
	"github.com/mfaulkner/reviewbench/internal/storage"
	"github.com/mfaulkner/reviewbench/pkg/config"
	"github.com/mfaulkner/reviewbench/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestServer(t *testing.T) (*gin.Engine, *session.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&types.ReviewSession{}, &types.ActivityLogEntry{}))

	ls, err := storage.NewLocalStorage(t.TempDir(), "")
	require.NoError(t, err)

	cfg := &config.Config{
		Session: config.SessionConfig{
			LockTTL:         5 * time.Minute,
			RetentionDays:   14,
			MaxPayloadBytes: 1 << 20,
		},
		Auth: config.AuthConfig{
			AllowHeaderIdentity: true,
		},
	}

	svc := session.NewService(&common.Database{DB: db}, ls, &cfg.Session)
	return setupRouter(svc, nil, cfg), svc
}

func gzipBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func doRequest(router *gin.Engine, method, path string, body io.Reader, actor string, gzipped bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Auth-Email", actor)
	}
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func saveSession(t *testing.T, router *gin.Engine, doc *types.SessionDocument, actor string) types.SaveResponse {
	t.Helper()
	w := doRequest(router, http.MethodPost, "/api/v1/sessions", gzipBody(t, doc), actor, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var saved types.SaveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &saved))
	return saved
}

func apiTestDocument(sessionID string) *types.SessionDocument {
	return &types.SessionDocument{
		SessionID:   sessionID,
		SessionName: "Q3 Device Review",
		Filename:    "devices.xlsx",
		TotalRows:   2,
		Devices: []types.Device{
			{Name: "Infusion Pump", Manufacturer: "Acme Medical", Model: "IP-200", Status: types.DeviceApproved},
			{Name: "Ventilator", Manufacturer: "Breathe Co", Model: "V-9", Status: types.DevicePending},
		},
	}
}

func TestSaveSessionGzipBody(t *testing.T) {
	router, _ := setupTestServer(t)

	saved := saveSession(t, router, apiTestDocument("api-1"), "alice@example.com")
	assert.Equal(t, "api-1", saved.SessionID)
	assert.Equal(t, int64(1), saved.Version)
	assert.False(t, saved.LastSaved.IsZero())
}

func TestSaveSessionPlainBody(t *testing.T) {
	router, _ := setupTestServer(t)

	raw, err := json.Marshal(apiTestDocument("api-plain"))
	require.NoError(t, err)

	w := doRequest(router, http.MethodPost, "/api/v1/sessions", bytes.NewReader(raw), "alice@example.com", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSaveSessionBadBody(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doRequest(router, http.MethodPost, "/api/v1/sessions", bytes.NewBufferString("{not json"), "alice@example.com", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSaveSessionMissingID(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doRequest(router, http.MethodPost, "/api/v1/sessions", gzipBody(t, apiTestDocument("")), "alice@example.com", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestWithoutIdentity(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/api/v1/sessions", nil, "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/api/v1/sessions/missing", nil, "alice@example.com", false)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestTwoEditorScenario walks the full collaboration protocol: alice
// loads and locks, bob is locked out, alice saves, bob's stale save
// conflicts, alice unlocks, bob takes over at the new version.
func TestTwoEditorScenario(t *testing.T) {
	router, _ := setupTestServer(t)

	doc := apiTestDocument("api-collab")
	saveSession(t, router, doc, "alice@example.com")

	// alice loads and acquires the lock
	w := doRequest(router, http.MethodGet, "/api/v1/sessions/api-collab", nil, "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)
	var aliceDoc types.SessionDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &aliceDoc))
	assert.Equal(t, int64(1), aliceDoc.Version)
	require.Len(t, aliceDoc.Devices, 2)

	// bob is locked out with holder info
	w = doRequest(router, http.MethodGet, "/api/v1/sessions/api-collab", nil, "bob@example.com", false)
	require.Equal(t, http.StatusLocked, w.Code)
	var locked types.LockedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &locked))
	assert.Equal(t, "LOCKED", locked.Error)
	assert.Equal(t, "alice@example.com", locked.LockedBy)

	// alice saves her edit, moving the session to version 2
	aliceDoc.Devices[1].Status = types.DeviceApproved
	saved := saveSession(t, router, &aliceDoc, "alice@example.com")
	assert.Equal(t, int64(2), saved.Version)

	// bob somehow saves with the version he last knew
	staleDoc := apiTestDocument("api-collab")
	staleDoc.Version = 1
	w = doRequest(router, http.MethodPost, "/api/v1/sessions", gzipBody(t, staleDoc), "bob@example.com", true)
	require.Equal(t, http.StatusConflict, w.Code)
	var conflict types.ConflictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, "CONFLICT", conflict.Error)
	assert.Equal(t, int64(1), conflict.AttemptedVersion)
	assert.Equal(t, int64(2), conflict.CurrentVersion)

	// alice finishes and unlocks
	body, _ := json.Marshal(map[string]string{"action": "unlock"})
	w = doRequest(router, http.MethodPatch, "/api/v1/sessions/api-collab", bytes.NewReader(body), "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)

	// bob can now load the current state
	w = doRequest(router, http.MethodGet, "/api/v1/sessions/api-collab", nil, "bob@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)
	var bobDoc types.SessionDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bobDoc))
	assert.Equal(t, int64(2), bobDoc.Version)
	assert.Equal(t, types.DeviceApproved, bobDoc.Devices[1].Status)
}

func TestListSessions(t *testing.T) {
	router, _ := setupTestServer(t)

	saveSession(t, router, apiTestDocument("api-list-1"), "alice@example.com")
	saveSession(t, router, apiTestDocument("api-list-2"), "bob@example.com")

	w := doRequest(router, http.MethodGet, "/api/v1/sessions", nil, "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool                  `json:"success"`
		Data    []types.ReviewSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data, 2)

	// owner filter narrows the listing
	w = doRequest(router, http.MethodGet, "/api/v1/sessions?owner=alice@example.com", nil, "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "api-list-1", resp.Data[0].SessionID)
}

func TestDeleteRestoreFlow(t *testing.T) {
	router, _ := setupTestServer(t)

	saveSession(t, router, apiTestDocument("api-del"), "alice@example.com")

	w := doRequest(router, http.MethodDelete, "/api/v1/sessions/api-del", nil, "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)

	// the trash listing shows the full retention window remaining
	w = doRequest(router, http.MethodGet, "/api/v1/sessions/deleted", nil, "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)
	var trash struct {
		Data []types.DeletedSessionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trash))
	require.Len(t, trash.Data, 1)
	assert.Equal(t, 14, trash.Data[0].DaysRemaining)

	// deleted sessions are not loadable
	w = doRequest(router, http.MethodGet, "/api/v1/sessions/api-del", nil, "alice@example.com", false)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// restore brings it back
	body, _ := json.Marshal(map[string]string{"action": "restore"})
	w = doRequest(router, http.MethodPatch, "/api/v1/sessions/api-del", bytes.NewReader(body), "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/sessions/api-del", nil, "alice@example.com", false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPermanentDelete(t *testing.T) {
	router, svc := setupTestServer(t)

	saveSession(t, router, apiTestDocument("api-perm"), "alice@example.com")

	w := doRequest(router, http.MethodDelete, "/api/v1/sessions/api-perm?permanent=true", nil, "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)

	_, err := svc.Repo.GetAny(context.Background(), "api-perm")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestPatchUnknownAction(t *testing.T) {
	router, _ := setupTestServer(t)

	saveSession(t, router, apiTestDocument("api-patch"), "alice@example.com")

	body, _ := json.Marshal(map[string]string{"action": "teleport"})
	w := doRequest(router, http.MethodPatch, "/api/v1/sessions/api-patch", bytes.NewReader(body), "alice@example.com", false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionActivityEndpoint(t *testing.T) {
	router, _ := setupTestServer(t)

	doc := apiTestDocument("api-act")
	saved := saveSession(t, router, doc, "alice@example.com")
	doc.Version = saved.Version
	saveSession(t, router, doc, "alice@example.com")

	w := doRequest(router, http.MethodGet, "/api/v1/sessions/api-act/activity", nil, "alice@example.com", false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []types.ActivityLogEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, types.ActivityUpdated, resp.Data[0].Action)
	assert.Equal(t, types.ActivityCreated, resp.Data[1].Action)
	assert.Equal(t, "alice@example.com", resp.Data[0].Actor)
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := setupTestServer(t)

	w := doRequest(router, http.MethodGet, "/health", nil, "", false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestIntQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/?limit=%d&bad=x", 25), nil)

	assert.Equal(t, 25, intQuery(c, "limit", 50))
	assert.Equal(t, 50, intQuery(c, "bad", 50))
	assert.Equal(t, 50, intQuery(c, "missing", 50))
}
