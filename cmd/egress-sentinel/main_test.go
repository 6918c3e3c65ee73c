package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/egress-sentinel/internal/dlp"
)

// execute runs the root command with args and returns stdout. Flag
// variables are package globals, so they are reset first.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	jsonOutput, scanJSON, scanRedact = false, false, false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "egress-sentinel "+Version)

	out, err = execute(t, "", "version", "--json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info["version"])
	assert.Equal(t, Commit, info["commit"])
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")

	out, err := execute(t, "", "init", "--config-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "trusted_domains.txt"))
	assert.FileExists(t, filepath.Join(dir, "trusted_domains.txt"))
	assert.FileExists(t, filepath.Join(dir, dlp.DefaultRulesFile))
}

func TestScanCommand(t *testing.T) {
	rules, err := dlp.CreateDefaultRules(t.TempDir())
	require.NoError(t, err)
	secret := "ghp_" + strings.Repeat("Ab1", 12)

	t.Run("clean stdin", func(t *testing.T) {
		out, err := execute(t, "nothing to see here", "scan", "--rules", rules)
		require.NoError(t, err)
		assert.Equal(t, "-: clean\n", out)
	})

	t.Run("findings never print the secret", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "env")
		require.NoError(t, os.WriteFile(path, []byte("GITHUB_TOKEN="+secret+"\n"), 0o644))

		out, err := execute(t, "", "scan", "--rules", rules, path)
		require.ErrorIs(t, err, errFindings)
		assert.Contains(t, out, "1 finding(s)")
		assert.Contains(t, out, "github-pat")
		assert.Contains(t, out, "ghp_***")
		assert.NotContains(t, out, secret)
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "token "+secret, "scan", "--rules", rules, "--json")
		require.ErrorIs(t, err, errFindings)

		var report scanReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, "-", report.Source)
		require.Len(t, report.Findings, 1)
		assert.Equal(t, "github-pat", report.Findings[0].Pattern)
		assert.Equal(t, len(secret), report.Findings[0].OriginalLength)
	})

	t.Run("redact", func(t *testing.T) {
		out, err := execute(t, "token "+secret, "scan", "--rules", rules, "--redact")
		require.ErrorIs(t, err, errFindings)
		assert.Equal(t, "token [REDACTED_GITHUB_PAT]", out)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "", "scan", "--rules", rules, filepath.Join(t.TempDir(), "absent"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, errFindings)
	})
}

func TestHealthCheckCommand(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	out, err := execute(t, "", "health-check", "--addr", strings.TrimPrefix(healthy.URL, "http://"))
	require.NoError(t, err)
	assert.Contains(t, out, "Health check passed")

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	_, err = execute(t, "", "health-check", "--addr", strings.TrimPrefix(failing.URL, "http://"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestLoadServeConfigFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "egress-sentinel.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  port: 9000\naudit:\n  path: from-file.jsonl\n"), 0o644))

	require.NoError(t, serveCmd.Flags().Parse([]string{
		"--config", cfgPath,
		"--port", "9100",
		"--whitelist", filepath.Join(dir, "domains.txt"),
	}))

	cfg, err := loadServeConfig(serveCmd)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "domains.txt"), cfg.Policy.WhitelistPath)
	assert.Equal(t, "from-file.jsonl", cfg.Audit.Path)
	assert.False(t, cfg.Admin.Enabled)
}
