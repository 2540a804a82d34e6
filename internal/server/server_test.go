package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adrkeeper/internal/config"
	"adrkeeper/internal/db"
	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
	"adrkeeper/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	return engine.New(conn, config.Default())
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	e := newTestEngine(t)
	auth.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth, Logger: auth.Logger})
	require.NoError(t, err, "build handler")
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func bearer(t *testing.T, actor string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestDecisionLifecycleWithBearerToken(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	client := srv.Client()
	auth := bearer(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{
		"title": "Use SQLite",
		"tags":  []string{"storage"},
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.DecisionRecord
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, domain.StatusProposed, created.Status)
	require.Len(t, created.StatusHistory, 1)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions/"+created.ID+"/status", map[string]any{
		"status": "accepted",
		"reason": "team agreed",
	}, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var moved domain.DecisionRecord
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Equal(t, domain.StatusAccepted, moved.Status)
	assert.Greater(t, moved.Version, created.Version)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions/"+created.ID+"/history", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var history []domain.StatusChange
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, domain.StatusProposed, history[1].From)
	assert.Equal(t, domain.StatusAccepted, history[1].To)
	assert.Equal(t, "team agreed", history[1].Reason)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_id="+created.ID, nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 2)
	for _, evt := range events.Items {
		assert.Equal(t, "alice", evt.ActorID)
	}
	assert.Equal(t, "decision.status_changed", events.Items[0].Type)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions?status=accepted", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var listed []domain.DecisionRecord
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed, 1)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/decisions/"+created.ID, nil, auth)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/decisions/"+created.ID, nil, auth)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	client := srv.Client()
	auth := bearer(t, "alice")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions/missing", nil, auth)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{"title": "  "}, auth)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "bad_request", body.Code)
	assert.Equal(t, "title", body.Details["field"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{"title": "Queue"}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.DecisionRecord
	require.NoError(t, json.Unmarshal(data, &created))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions/"+created.ID+"/status", map[string]any{
		"status": "bogus",
		"reason": "why not",
	}, auth)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "status", decodeError(t, data).Details["field"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions/"+created.ID+"/status", map[string]any{
		"status":           "accepted",
		"reason":           "stale",
		"expected_version": created.Version + 5,
	}, auth)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "conflict", decodeError(t, data).Code)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/decisions/missing", map[string]any{"title": "x"}, auth)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, auth)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	other, err := SignToken("other-secret", "mallory", time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions", nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions", nil, map[string]string{"X-Actor-Id": "bob"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), "ok")

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAuthScopedToBasePathSegments(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1other", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	for _, tc := range []struct {
		path, base string
		want       bool
	}{
		{"/v1", "/v1", true},
		{"/v1/decisions", "/v1", true},
		{"/v1/decisions", "/v1/", true},
		{"/v1other", "/v1", false},
		{"/metrics", "/v1", false},
		{"/anything", "", true},
	} {
		assert.Equal(t, tc.want, underBasePath(tc.path, tc.base), "%s under %q", tc.path, tc.base)
	}
}

func TestAnonymousAndActorHeader(t *testing.T) {
	srv := newTestServer(t, AuthConfig{AllowAnonymous: true, AllowActorHeader: true})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/insights", map[string]any{"title": "from bob"}, map[string]string{"X-Actor-Id": "bob"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/insights", map[string]any{"title": "from nobody"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=insight.created", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 2)
	assert.Equal(t, AnonymousActor, events.Items[0].ActorID)
	assert.Equal(t, "bob", events.Items[1].ActorID)
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	client := srv.Client()
	issued, err := srv.engine.CreateAPIKey(context.Background(), "ci-bot", "ci")
	require.NoError(t, err)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/whoami", nil, map[string]string{"X-Api-Key": issued.Secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who whoamiBody
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, whoamiBody{ActorID: "ci-bot", Source: "api_key"}, who)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{"name": "payments"}, map[string]string{"X-Api-Key": issued.Secret})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var p domain.Project
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "payments", p.Name)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"X-Api-Key": "adrk_wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	require.NoError(t, srv.engine.RevokeAPIKey(context.Background(), issued.ID))
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"X-Api-Key": issued.Secret})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestPromoteInsightEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	client := srv.Client()
	auth := bearer(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/insights", map[string]any{
		"title":   "Retries hide outages",
		"content": "Alerts fire late because retries mask failures.",
		"tags":    []string{"ops"},
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var in domain.Insight
	require.NoError(t, json.Unmarshal(data, &in))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/insights/"+in.ID+"/promote", nil, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var promoted PromoteInsightResponse
	require.NoError(t, json.Unmarshal(data, &promoted))
	assert.Equal(t, in.Title, promoted.Decision.Title)
	assert.Equal(t, in.Content, promoted.Decision.Problem)
	assert.Equal(t, []string{"ops"}, promoted.Decision.Tags)
	require.NotNil(t, promoted.Insight.ADRID)
	assert.Equal(t, promoted.Decision.ID, *promoted.Insight.ADRID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/decisions/"+promoted.Decision.ID+"/insights", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var linked []domain.Insight
	require.NoError(t, json.Unmarshal(data, &linked))
	require.Len(t, linked, 1)
	assert.Equal(t, in.ID, linked[0].ID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/insights/"+in.ID+"/convert", map[string]any{"adr_id": "adr-elsewhere"}, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/insights?adr_id="+promoted.Decision.ID, nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &linked))
	assert.Empty(t, linked)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/insights/missing/promote", nil, auth)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestViewsAndMetrics(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	client := srv.Client()
	auth := bearer(t, "alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{
		"title":        "Adopt gRPC",
		"tags":         []string{"transport"},
		"related_adrs": []string{"ghost"},
	}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/map", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var km domain.KnowledgeMap
	require.NoError(t, json.Unmarshal(data, &km))
	assert.Len(t, km.Nodes, 2)
	assert.Len(t, km.Links, 1)
	assert.Equal(t, 1, km.Dangling)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/stats", nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stats domain.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 1, stats.TotalDecisions)
	assert.Equal(t, 1, stats.ByStatus[domain.StatusProposed])
	assert.Equal(t, 0, stats.ByStatus[domain.StatusConfirmed])

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "adrkeeper_http_requests_total")
	assert.Contains(t, string(data), "adrkeeper_view_cache_misses_total")
}

type capturedDelivery struct {
	event     string
	signature string
	body      []byte
}

func TestWebhookDispatcherDeliversSignedEvents(t *testing.T) {
	var mu sync.Mutex
	var got []capturedDelivery
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, capturedDelivery{
			event:     r.Header.Get("X-Adrk-Event"),
			signature: r.Header.Get("X-Adrk-Signature"),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	e := newTestEngine(t)
	ctx := engine.WithActor(context.Background(), "alice")
	d := newWebhookDispatcher(e, []config.WebhookConfig{{
		URL:    receiver.URL,
		Secret: "hook-secret",
		Events: []string{"decision.created"},
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NotNil(t, d)

	_, err := e.CreateDecision(ctx, engine.DecisionCreateOptions{Title: "before dispatcher"})
	require.NoError(t, err)
	d.dispatchAll(ctx)

	created, err := e.CreateDecision(ctx, engine.DecisionCreateOptions{Title: "after dispatcher"})
	require.NoError(t, err)
	_, err = e.CreateInsight(ctx, engine.InsightCreateOptions{Title: "filtered out"})
	require.NoError(t, err)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "decision.created", got[0].event)
	assert.Equal(t, SignPayload("hook-secret", got[0].body), got[0].signature)
	var evt webhookEvent
	require.NoError(t, json.Unmarshal(got[0].body, &evt))
	assert.Equal(t, created.ID, evt.EntityID)
	assert.Equal(t, "alice", evt.ActorID)
}

func TestWebhookDispatcherRetriesAfterFailure(t *testing.T) {
	var mu sync.Mutex
	fail := true
	var delivered []string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		delivered = append(delivered, r.Header.Get("X-Adrk-Delivery"))
	}))
	defer receiver.Close()

	e := newTestEngine(t)
	ctx := context.Background()
	d := newWebhookDispatcher(e, []config.WebhookConfig{{URL: receiver.URL}}, nil)
	d.dispatchAll(ctx)

	_, err := e.CreateProject(ctx, engine.ProjectCreateOptions{Name: "billing"})
	require.NoError(t, err)
	d.dispatchAll(ctx)

	mu.Lock()
	fail = false
	mu.Unlock()
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.NotEmpty(t, strings.TrimSpace(delivered[0]))
}

func TestInactiveWebhooksAreSkipped(t *testing.T) {
	disabled := false
	d := newWebhookDispatcher(engine.Engine{}, []config.WebhookConfig{
		{URL: ""},
		{URL: "http://example.invalid", Enabled: &disabled},
	}, nil)
	assert.Nil(t, d)
}

func TestSignPayload(t *testing.T) {
	sig := SignPayload("k", []byte("body"))
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Equal(t, sig, SignPayload("k", []byte("body")))
	assert.NotEqual(t, sig, SignPayload("other", []byte("body")))
}
