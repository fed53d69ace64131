package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosimhq/cosim/internal/agent"
	"github.com/cosimhq/cosim/internal/auth"
	"github.com/cosimhq/cosim/internal/config"
	"github.com/cosimhq/cosim/internal/database"
	"github.com/cosimhq/cosim/internal/eventbus"
	"github.com/cosimhq/cosim/internal/orchestrator"
	"github.com/cosimhq/cosim/pkg/models"
)

// stubAgent accepts every agent call so sessions reach Ready
type stubAgent struct{}

func (stubAgent) CreateSimulation(context.Context, string, agent.CreateSpec) error { return nil }
func (stubAgent) Control(context.Context, string, string, models.ControlCommand) error {
	return nil
}
func (stubAgent) Delete(context.Context, string, string) error { return nil }
func (stubAgent) Probe(context.Context, string, string) (orchestrator.AgentHealth, error) {
	return orchestrator.AgentHealth{Engine: models.MUJOCO}, nil
}

type apiFixture struct {
	ts        *httptest.Server
	orch      *orchestrator.Orchestrator
	validator *auth.Validator
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	repo := database.NewRepository(db)
	bus := eventbus.New(log)
	t.Cleanup(bus.Close)

	cfg := config.Config{
		ScheduleInterval:            time.Second,
		HealthInterval:              10 * time.Second,
		RestartBudget:               2,
		RestartWindow:               10 * time.Minute,
		RetentionSeconds:            7 * 24 * 3600,
		HibernateToTerminateSeconds: 3600,
	}

	alloc := orchestrator.NewStaticAllocator([]orchestrator.NodePool{
		{Name: "cpu-standard", Capacity: 8},
		{Name: "gpu-t4", GPUClass: "t4", Capacity: 2},
	}, "8082")

	orch := orchestrator.New(repo, bus, alloc, stubAgent{}, cfg, prometheus.NewRegistry(), log,
		orchestrator.WithSleep(func(time.Duration) {}))

	validator := auth.NewValidator("test-secret")
	server := NewServer(orch, validator, prometheus.NewRegistry(), "0")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, orch: orch, validator: validator}
}

func (f *apiFixture) token(t *testing.T, orgID, tier string) string {
	t.Helper()
	raw, err := f.validator.Sign(auth.Claims{UserID: "u-1", OrgID: orgID, Tier: tier})
	require.NoError(t, err)
	return raw
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *apiFixture) waitForState(t *testing.T, id string, want models.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := f.orch.GetSession(id)
		return err == nil && s.State == want
	}, 3*time.Second, 5*time.Millisecond)
}

func createRequest() models.CreateSessionRequest {
	return models.CreateSessionRequest{
		WorkspaceID: "ws-1",
		Engine:      models.MUJOCO,
		ModelRef:    "cartpole.xml",
		Resources:   models.Resources{CPUCores: 2, MemoryBytes: 1 << 30},
	}
}

func TestSessionsRequireAuth(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/sessions", "", createRequest())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/sessions", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateSessionReturnsIDAndState(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "org-1", "pro")

	resp := f.do(t, http.MethodPost, "/sessions", token, createRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.SessionID)
	assert.Equal(t, "pending", body.State)

	f.waitForState(t, body.SessionID, models.READY)
}

func TestQuotaDenialCarriesSubReason(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "org-1", "free")

	resp := f.do(t, http.MethodPost, "/sessions", token, createRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/sessions", token, createRequest())
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "QuotaExceeded", body["kind"])
	assert.Equal(t, "concurrent", body["sub_reason"])
}

func TestPolicyDenialIsForbidden(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "org-1", "free")

	req := createRequest()
	req.Resources.GPUCount = 1
	req.Resources.GPUClass = "t4"

	resp := f.do(t, http.MethodPost, "/sessions", token, req)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetSessionScopedToOrg(t *testing.T) {
	f := newAPIFixture(t)
	owner := f.token(t, "org-1", "pro")
	stranger := f.token(t, "org-2", "pro")

	resp := f.do(t, http.MethodPost, "/sessions", owner, createRequest())
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	resp = f.do(t, http.MethodGet, "/sessions/"+created.SessionID, owner, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/sessions/"+created.SessionID, stranger, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "foreign sessions read as not found")
}

func TestPauseResumeLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "org-1", "pro")

	resp := f.do(t, http.MethodPost, "/sessions", token, createRequest())
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	f.waitForState(t, created.SessionID, models.READY)

	resp = f.do(t, http.MethodPatch, "/sessions/"+created.SessionID, token, gin.H{"action": "pause"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var paused models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&paused))
	assert.Equal(t, models.IDLE, paused.State)

	resp = f.do(t, http.MethodPatch, "/sessions/"+created.SessionID, token, gin.H{"action": "resume"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var resumed models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resumed))
	assert.Equal(t, models.READY, resumed.State)

	resp = f.do(t, http.MethodPatch, "/sessions/"+created.SessionID, token, gin.H{"action": "reboot"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteSessionTerminates(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "org-1", "pro")

	resp := f.do(t, http.MethodPost, "/sessions", token, createRequest())
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	f.waitForState(t, created.SessionID, models.READY)

	resp = f.do(t, http.MethodDelete, "/sessions/"+created.SessionID, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitForState(t, created.SessionID, models.TERMINATED)
}

func TestListSessionsForOrg(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "org-1", "pro")

	for i := 0; i < 2; i++ {
		resp := f.do(t, http.MethodPost, "/sessions", token, createRequest())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := f.do(t, http.MethodGet, "/sessions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	assert.Len(t, sessions, 2)

	other := f.token(t, "org-2", "pro")
	resp = f.do(t, http.MethodGet, "/sessions", other, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var none []models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&none))
	assert.Empty(t, none)
}

func TestActivityHeartbeatResumesIdle(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "org-1", "pro")

	resp := f.do(t, http.MethodPost, "/sessions", token, createRequest())
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	f.waitForState(t, created.SessionID, models.READY)

	resp = f.do(t, http.MethodPatch, "/sessions/"+created.SessionID, token, gin.H{"action": "pause"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/internal/sessions/"+created.SessionID+"/activity", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.waitForState(t, created.SessionID, models.READY)
}
