package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncore/internal/config"
	"missioncore/internal/db"
	"missioncore/internal/domain"
	"missioncore/internal/engine"
	"missioncore/internal/engine/auth"
	"missioncore/internal/migrate"
	"missioncore/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, config.Default(), engine.Options{})
	t.Cleanup(e.Close)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, EnableDevLogin: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, roles, nil, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestMissionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	owner := bearer(t, "acme", auth.RoleOwner)

	res, data := srv.do(t, http.MethodPost, "/v0/missions", map[string]any{
		"type":   "lead_research",
		"params": map[string]any{"lead_id": "l-1"},
	}, owner)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	m := decode[domain.Mission](t, data)
	assert.Equal(t, domain.StateQueued, m.State)
	assert.Equal(t, "acme", m.Owner)
	assert.Equal(t, 3, m.Priority)

	res, data = srv.do(t, http.MethodGet, "/v0/missions/"+m.ID, nil, owner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	st := decode[engine.Status](t, data)
	assert.False(t, st.Terminal)
	require.NotEmpty(t, st.History)
	assert.Equal(t, "mission.created", st.History[0].Type)

	res, data = srv.do(t, http.MethodPost, "/v0/missions/"+m.ID+"/cancel", nil, owner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	cancelled := decode[CancelResponse](t, data)
	assert.True(t, cancelled.Cancelled)
	assert.Equal(t, domain.StateCancelled, cancelled.Mission.State)

	res, data = srv.do(t, http.MethodPost, "/v0/missions/"+m.ID+"/cancel", nil, owner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.False(t, decode[CancelResponse](t, data).Cancelled)
}

func TestListMissionsScopedToOwner(t *testing.T) {
	srv := newTestServer(t)
	for _, actor := range []string{"acme", "acme", "globex"} {
		res, data := srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"type": "domain_warmup"}, bearer(t, actor, auth.RoleOwner))
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}

	res, data := srv.do(t, http.MethodGet, "/v0/missions?limit=1", nil, bearer(t, "acme", auth.RoleOwner))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedMissions](t, data)
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)

	res, data = srv.do(t, http.MethodGet, "/v0/missions?cursor="+page.NextCursor, nil, bearer(t, "acme", auth.RoleOwner))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rest := decode[paginatedMissions](t, data)
	require.Len(t, rest.Items, 1)
	assert.NotEqual(t, page.Items[0].ID, rest.Items[0].ID)
	assert.Empty(t, rest.NextCursor)

	res, data = srv.do(t, http.MethodGet, "/v0/missions", nil, bearer(t, "ops", auth.RoleViewer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[paginatedMissions](t, data).Items, 3)
}

func TestOtherOwnersMissionIsHidden(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"type": "domain_warmup"}, bearer(t, "acme", auth.RoleOwner))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	m := decode[domain.Mission](t, data)

	res, _ = srv.do(t, http.MethodGet, "/v0/missions/"+m.ID, nil, bearer(t, "globex", auth.RoleOwner))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = srv.do(t, http.MethodPost, "/v0/missions/"+m.ID+"/cancel", nil, bearer(t, "globex", auth.RoleOwner))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAuthErrors(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.do(t, http.MethodGet, "/v0/missions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"type": "domain_warmup"}, bearer(t, "v", auth.RoleViewer))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "forbidden", body.Error.Code)
	assert.Equal(t, auth.MissionCreate, body.Error.Details["permission"])

	res, _ = srv.do(t, http.MethodGet, "/v0/resources", nil, bearer(t, "acme", auth.RoleOwner))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = srv.do(t, http.MethodGet, "/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestLegacyHeaderActsAsOperator(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v0/resources", nil, map[string]string{"X-Actor-Id": "ops"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	resources := decode[ResourcesResponse](t, data)
	assert.Len(t, resources.Crews, 3)

	res, data = srv.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"X-Actor-Id": "ops"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "ops", me.ActorID)
	assert.Contains(t, me.Permissions, auth.PoolManage)
}

func TestAPIKeyResolvesOwner(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:      "k1",
		OwnerID: "acme",
		KeyHash: repo.HashAPIKey("s3cret"),
	}))
	res, data := srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"type": "domain_warmup"}, map[string]string{"X-Api-Key": "s3cret"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.Equal(t, "acme", decode[domain.Mission](t, data).Owner)

	res, _ = srv.do(t, http.MethodGet, "/v0/missions", nil, map[string]string{"X-Api-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCreateValidation(t *testing.T) {
	srv := newTestServer(t)
	owner := bearer(t, "acme", auth.RoleOwner)

	res, data := srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"type": "teleport"}, owner)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"type": "domain_warmup", "priority": 11}, owner)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"type": "domain_warmup", "owner": "globex"}, owner)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"id": "m-1", "type": "domain_warmup"}, owner)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"id": "m-1", "type": "domain_warmup"}, owner)
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))
}

func TestWorkerReport(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/v0/missions", map[string]any{"type": "domain_warmup"}, bearer(t, "acme", auth.RoleOwner))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	m := decode[domain.Mission](t, data)

	worker := bearer(t, "warmup-worker", auth.RoleWorker)
	res, data = srv.do(t, http.MethodPost, "/v0/missions/"+m.ID+"/reports", map[string]any{
		"type": "mission.stage",
		"data": map[string]any{"stage": "ramping"},
	}, worker)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	assert.NotEmpty(t, decode[ReportResponse](t, data).MessageID)

	res, data = srv.do(t, http.MethodPost, "/v0/missions/"+m.ID+"/reports", map[string]any{"type": "mission.assigned"}, worker)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPost, "/v0/missions/missing/reports", map[string]any{"type": "mission.stage"}, worker)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, _ = srv.do(t, http.MethodPost, "/v0/missions/"+m.ID+"/reports", map[string]any{"type": "mission.stage"}, bearer(t, "acme", auth.RoleOwner))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestAddIdentityAndEvents(t *testing.T) {
	srv := newTestServer(t)
	ops := map[string]string{"X-Actor-Id": "ops"}

	res, data := srv.do(t, http.MethodPost, "/v0/pool/identities", map[string]any{
		"identity":         "mail.example.com",
		"type":             "sending",
		"reputation_score": 72.5,
	}, ops)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	id := decode[domain.DomainIdentity](t, data)
	assert.Equal(t, domain.IdentityCold, id.Status)

	res, data = srv.do(t, http.MethodGet, "/v0/events?entity_kind=domain&limit=1", nil, ops)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "mail.example.com", page.Items[0].EntityID)

	res, data = srv.do(t, http.MethodGet, "/v0/events?cursor=abc", nil, ops)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/v0/auth/dev/login", map[string]any{
		"actor_id": "acme",
		"roles":    []string{auth.RoleOwner},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token
	require.NotEmpty(t, token)

	res, data = srv.do(t, http.MethodGet, "/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "jwt", me.Source)
	assert.Equal(t, []string{auth.RoleOwner}, me.Roles)
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var secrets []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		secrets = append(secrets, r.Header.Get("X-Missioncore-Secret"))
		mu.Unlock()
	}))
	defer hook.Close()

	// Existing history is not replayed.
	_, err := srv.Engine.CreateMission(ctx, engine.CreateOptions{Type: "domain_warmup", Owner: "acme"})
	require.NoError(t, err)

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{
		URL:    hook.URL,
		Secret: "shh",
		Events: []string{"mission.transition"},
	}}, nil)
	d.DispatchAll(ctx)

	m, err := srv.Engine.CreateMission(ctx, engine.CreateOptions{Type: "domain_warmup", Owner: "acme"})
	require.NoError(t, err)
	_, err = srv.Engine.CancelMission(ctx, m.ID, "acme")
	require.NoError(t, err)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "mission.transition", got[0].Type)
	assert.Equal(t, m.ID, got[0].EntityID)
	assert.JSONEq(t, `{"from":"queued","to":"cancelled"}`, string(got[0].Payload))
	assert.Equal(t, []string{"shh"}, secrets)
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	fail := true
	var delivered []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		delivered = append(delivered, r.Header.Get("X-Missioncore-Event"))
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL}}, nil)
	d.DispatchAll(ctx)
	_, err := srv.Engine.CreateMission(ctx, engine.CreateOptions{Type: "domain_warmup", Owner: "acme"})
	require.NoError(t, err)
	d.DispatchAll(ctx)

	mu.Lock()
	fail = false
	mu.Unlock()
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"mission.created"}, delivered)
}

func TestReleaseCampaignRequiresPoolManage(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.do(t, http.MethodPost, "/v0/campaigns/camp-1/release", nil, bearer(t, "acme", auth.RoleOwner))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data := srv.do(t, http.MethodPost, "/v0/campaigns/camp-1/release", nil, map[string]string{"X-Actor-Id": "ops"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[ReleaseCampaignResponse](t, data)
	assert.Equal(t, "camp-1", out.CampaignID)
	assert.Zero(t, out.Released)
}
