package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAdmin(t *testing.T, domains string) (*harness, string) {
	t.Helper()
	cfg := testConfig(t, domains)
	cfg.Admin.Enabled = true
	cfg.Admin.Listen = "127.0.0.1:0"
	cfg.WebSocket.Enabled = true

	h := startServer(t, cfg)
	require.Eventually(t, func() bool { return h.srv.AdminAddr() != nil }, 5*time.Second, 10*time.Millisecond)
	return h, "http://" + h.srv.AdminAddr().String()
}

func TestAdminReload(t *testing.T) {
	h, base := startAdmin(t, "pypi.org\n")
	require.NoError(t, os.WriteFile(h.whitelist, []byte("pypi.org\ninternal.corp\n"), 0o644))

	resp, err := http.Post(base+"/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "reloaded", out["status"])
	assert.Equal(t, float64(2), out["domains"])
	assert.True(t, h.srv.policy.IsAllowed("api.internal.corp"))
}

func TestAdminReloadRequiresPost(t *testing.T) {
	_, base := startAdmin(t, "pypi.org\n")

	resp, err := http.Get(base + "/reload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAdminInfo(t *testing.T) {
	h, base := startAdmin(t, "pypi.org\ngithub.com\n")

	resp, err := http.Get(base + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info InfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "egress-sentinel", info.Name)
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, 2, info.AllowedDomains)
	// One stripe rule plus the five built-in PII patterns.
	assert.Equal(t, 6, info.ActivePatterns)
	assert.Equal(t, h.cfg.Audit.Path, info.AuditLog)
	assert.True(t, info.DLPEnabled)
}

func TestAdminDashboard(t *testing.T) {
	_, base := startAdmin(t, "")

	resp, err := http.Get(base + "/dashboard")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "<html")
}

func TestAdminLiveAuditFeed(t *testing.T) {
	h, base := startAdmin(t, "pypi.org\n")

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return h.srv.GetWebSocketHub().GetStats().ActiveConnections == 1
	}, 5*time.Second, 10*time.Millisecond)

	req := mustRequest(t, http.MethodGet, "http://evil.example.com/")
	resp, _ := send(t, h.client, req)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev map[string]any
		require.NoError(t, conn.ReadJSON(&ev))
		if ev["type"] != "audit" {
			continue
		}
		data := ev["data"].(map[string]any)
		assert.Equal(t, "evil.example.com", data["host"])
		assert.Equal(t, false, data["allowed"])
		assert.NotEmpty(t, ev["request_id"])
		return
	}
}

func TestAdminRateLimit(t *testing.T) {
	cfg := testConfig(t, "pypi.org\n")
	cfg.Admin.Enabled = true
	cfg.Admin.Listen = "127.0.0.1:0"
	cfg.Admin.RateLimit.Enabled = true
	cfg.Admin.RateLimit.RequestsPerMin = 2

	h := startServer(t, cfg)
	require.Eventually(t, func() bool { return h.srv.AdminAddr() != nil }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + h.srv.AdminAddr().String()

	codes := make([]int, 0, 3)
	for range 3 {
		resp, err := http.Get(base + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
