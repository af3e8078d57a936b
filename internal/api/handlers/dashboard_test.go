package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
	"github.com/orrn/printdesk/internal/db"
	"github.com/orrn/printdesk/internal/webhook"
)

type fixedDepth int

func (d fixedDepth) Depth() int { return int(d) }

func TestDashboard(t *testing.T) {
	repo := newFakeRepo()
	require.NoError(t, repo.Create(context.Background(), &core.Job{}))
	require.NoError(t, repo.Create(context.Background(), &core.Job{}))

	fleet := newFakeFleet("P1", "P2", "P3")
	fleet.printers["P2"].Online = false
	fleet.printers["P3"].JobCount = 2
	control := &fakeControl{automation: true, claimed: []string{"job-9"}}

	r := gin.New()
	NewDashboardHandler(repo, fleet, control, fixedDepth(4)).RegisterRoutes(r.Group("/api"))

	w := do(r, http.MethodGet, "/api/dashboard", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp DashboardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Stats.Jobs[core.JobStatusPending])
	assert.Equal(t, 3, resp.Stats.TotalPrinters)
	assert.Equal(t, 2, resp.Stats.OnlinePrinters)
	assert.Equal(t, 1, resp.Stats.OfflinePrinters)
	assert.Equal(t, 1, resp.Stats.BusyPrinters)
	assert.Equal(t, 4, resp.Stats.QueueDepth)
	assert.Equal(t, 1, resp.Stats.InFlight)
	assert.True(t, resp.Stats.Automation)
	assert.Len(t, resp.Printers, 3)
	assert.Len(t, resp.RecentJobs, 2)
}

func TestDashboard_WithoutQueue(t *testing.T) {
	r := gin.New()
	NewDashboardHandler(newFakeRepo(), newFakeFleet(), &fakeControl{}, nil).RegisterRoutes(r.Group("/api"))

	w := do(r, http.MethodGet, "/api/dashboard", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp DashboardResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Stats.QueueDepth)
	assert.NotNil(t, resp.RecentJobs)
}

func TestSettings_ServerConfigHidesSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "top-secret"
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://hooks.local", Secret: "hook-secret"}}

	r := gin.New()
	NewSettingsHandler(cfg, nil).RegisterRoutes(r.Group("/api"))

	w := do(r, http.MethodGet, "/api/settings/server", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "top-secret")
	assert.NotContains(t, w.Body.String(), "hook-secret")

	var resp ServerConfigResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sqlite", resp.Store)
	assert.Equal(t, cfg.Database.Path, resp.DatabasePath)
	assert.Equal(t, "3s", resp.QueueWindow)
	assert.Equal(t, 1, resp.Webhooks)
	assert.True(t, resp.AuthEnabled)
	assert.Equal(t, []string{}, resp.InitiallyOnline)
}

func TestSettings_Audit(t *testing.T) {
	r := gin.New()
	NewSettingsHandler(config.Default(), nil).RegisterRoutes(r.Group("/api"))
	w := do(r, http.MethodGet, "/api/audit", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	audit := &fakeAudit{}
	ctx := context.Background()
	require.NoError(t, audit.RecordAudit(ctx, &db.AuditLog{Action: "cancel", EntityType: "job", EntityID: "j1"}))
	require.NoError(t, audit.RecordAudit(ctx, &db.AuditLog{Action: "print", EntityType: "job", EntityID: "j2"}))

	r = gin.New()
	NewSettingsHandler(config.Default(), audit).RegisterRoutes(r.Group("/api"))
	w = do(r, http.MethodGet, "/api/audit?action=cancel", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries []db.AuditLog `json:"entries"`
		Count   int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "j1", resp.Entries[0].EntityID)
}

type fakeWebhooks struct {
	hooks []config.WebhookConfig
	err   error
	tried []int
}

func (f *fakeWebhooks) Hooks() []config.WebhookConfig { return f.hooks }

func (f *fakeWebhooks) Test(_ context.Context, i int) error {
	f.tried = append(f.tried, i)
	if i < 0 || i >= len(f.hooks) {
		return fmt.Errorf("%w: %d", webhook.ErrUnknownHook, i)
	}
	return f.err
}

func TestWebhooks(t *testing.T) {
	hooks := &fakeWebhooks{hooks: []config.WebhookConfig{
		{URL: "http://a.local", Secret: "s"},
		{URL: "http://b.local", Events: []string{"job_updated"}},
	}}
	r := gin.New()
	NewWebhookHandler(hooks).RegisterRoutes(r.Group("/api"))

	w := do(r, http.MethodGet, "/api/webhooks", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []WebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.True(t, list[0].Signed)
	assert.Equal(t, []string{"*"}, list[0].Events)
	assert.False(t, list[1].Signed)
	assert.Equal(t, []string{"job_updated"}, list[1].Events)

	w = do(r, http.MethodPost, "/api/webhooks/1/test", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var res TestWebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)

	hooks.err = errors.New("webhook returned 500")
	w = do(r, http.MethodPost, "/api/webhooks/0/test", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "500")

	w = do(r, http.MethodPost, "/api/webhooks/7/test", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/webhooks/x/test", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []int{1, 0, 7}, hooks.tried)
}
