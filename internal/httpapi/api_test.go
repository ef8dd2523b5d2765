package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionhq/companion/internal/common/config"
	"github.com/companionhq/companion/internal/daemon"
	"github.com/companionhq/companion/internal/session"
)

func testServer(t *testing.T) (*httptest.Server, *daemon.Daemon) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		StateDir: t.TempDir(),
		Docker:   config.DockerConfig{Enabled: false},
		Worktree: config.WorktreeConfig{Enabled: false},
		Auth:     config.AuthConfig{TrustLocalhost: true},
		Timeouts: config.TimeoutConfig{PluginMs: 3000},
	}
	d, err := daemon.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	router := gin.New()
	New(d, nil).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, d
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestListSessionsEmpty(t *testing.T) {
	srv, _ := testServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	decode(t, resp, &body)
	assert.Empty(t, body.Sessions)
}

func TestSessionLifecycleRoutes(t *testing.T) {
	srv, d := testServer(t)

	sess := session.New(session.BackendClaude, t.TempDir())
	require.NoError(t, d.Store().Add(sess))

	resp := doJSON(t, http.MethodGet, srv.URL+"/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/sessions/"+sess.ID+"/name", map[string]string{"name": "api test"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/sessions/"+sess.ID+"/archive", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := d.Store().Get(sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.Archived)
	assert.Equal(t, "api test", stored.Name)

	// Archived sessions disappear from the default listing.
	resp = doJSON(t, http.MethodGet, srv.URL+"/sessions", nil)
	var listing struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	decode(t, resp, &listing)
	assert.Empty(t, listing.Sessions)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionRejectsBadBackend(t *testing.T) {
	srv, _ := testServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions/create", map[string]any{
		"backend": "gemini",
		"cwd":     t.TempDir(),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownSessionIs404(t *testing.T) {
	srv, _ := testServer(t)
	for _, route := range []string{"/sessions/nope/kill", "/sessions/nope/relaunch", "/sessions/nope/archive"} {
		resp := doJSON(t, http.MethodPost, srv.URL+route, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, route)
	}
}

func TestAuthAutoOnLoopback(t *testing.T) {
	srv, d := testServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/auth/auto", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	decode(t, resp, &body)
	assert.Equal(t, d.Gate().Token(), body.Token)
}

func TestAuthVerify(t *testing.T) {
	srv, d := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/auth/verify", map[string]string{"token": d.Gate().Token()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/auth/verify", map[string]string{"token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPluginRoutes(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/plugins", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Plugins []struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
		} `json:"plugins"`
	}
	decode(t, resp, &listing)
	require.NotEmpty(t, listing.Plugins)

	resp = doJSON(t, http.MethodPost, srv.URL+"/plugins/notifications/toggle", map[string]bool{"enabled": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/plugins/missing/toggle", map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/plugins/permission-automation/config", map[string]any{
		"config": map[string]any{"rules": []any{map[string]any{"toolName": "Bash", "action": "deny"}}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/plugins/permission-automation/config", map[string]any{
		"config": map[string]any{"rules": "not a list"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/plugins/permission-automation/dry-run", map[string]any{
		"event": "permission_request",
		"data":  map[string]any{"request_id": "r1", "tool_name": "Bash"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSettingsRoutes(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/settings", map[string]any{
		"settings": map[string]string{"linearApiKey": "lin_abc", "theme": "dark"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Settings map[string]string `json:"settings"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "dark", body.Settings["theme"])
}

func TestLinearProjectRoutes(t *testing.T) {
	srv, _ := testServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/linear/projects", map[string]string{
		"repoRoot": "/home/u/proj/",
		"teamId":   "team-1",
		"teamKey":  "ENG",
		"teamName": "Engineering",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/linear/projects", nil)
	var listing struct {
		Mappings []struct {
			RepoRoot string `json:"repoRoot"`
		} `json:"mappings"`
	}
	decode(t, resp, &listing)
	require.Len(t, listing.Mappings, 1)
	assert.Equal(t, "/home/u/proj", listing.Mappings[0].RepoRoot)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/linear/projects?repoRoot=/home/u/proj", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/linear/projects?repoRoot=/home/u/proj", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKillProcessValidation(t *testing.T) {
	srv, d := testServer(t)

	sess := session.New(session.BackendClaude, t.TempDir())
	require.NoError(t, d.Store().Add(sess))

	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+sess.ID+"/processes/not-a-pid/kill", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/sessions/missing/processes/123/kill", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSystemRoute(t *testing.T) {
	srv, _ := testServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/system", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		DockerAvailable bool `json:"dockerAvailable"`
		Sessions        int  `json:"sessions"`
	}
	decode(t, resp, &body)
	assert.False(t, body.DockerAvailable)
}
