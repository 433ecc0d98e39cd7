//go:build !windows

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodeman "github.com/nnlgsakib/openhash-nodeman"
	"github.com/nnlgsakib/openhash-nodeman/internal/config"
	"github.com/nnlgsakib/openhash-nodeman/internal/updater"
)

func newTestRouter(t *testing.T, mutate func(*config.Config)) (*Router, *nodeman.Manager) {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.ExecutablePath = filepath.Join(dir, "openhash")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.StopGrace = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	tracker := NewProgressTracker()
	mgr := nodeman.New(&cfg, tracker)
	t.Cleanup(func() { _ = mgr.Close() })
	return NewRouter(mgr, tracker, ""), mgr
}

func writeFakeNode(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestStatusAndExecutableEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	h := r.Handler()

	w, body := doJSON(t, h, http.MethodGet, "/node/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["running"])

	w, body = doJSON(t, h, http.MethodGet, "/node/executable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["exists"])
	assert.NotEmpty(t, body["path"])
}

func TestStartStopViaAPI(t *testing.T) {
	r, mgr := newTestRouter(t, nil)
	writeFakeNode(t, mgr.ExecutablePath())
	h := r.Handler()

	w, _ := doJSON(t, h, http.MethodPost, "/node/start", `{"apiPort":8080,"p2pPort":9000}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := doJSON(t, h, http.MethodGet, "/node/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["running"])

	// starting again conflicts
	w, body = doJSON(t, h, http.MethodPost, "/node/start", `{"apiPort":8081,"p2pPort":9001}`)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["error"], "already running")

	w, _ = doJSON(t, h, http.MethodPost, "/node/stop", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body = doJSON(t, h, http.MethodPost, "/node/stop", "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["error"], "no running process found")
}

func TestStartMissingExecutable(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, body := doJSON(t, r.Handler(), http.MethodPost, "/node/start", `{"apiPort":8080,"p2pPort":9000}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "OpenHash executable not found")
}

func TestLogsEndpoints(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	h := r.Handler()

	// a failed start leaves a log entry behind
	_, _ = doJSON(t, h, http.MethodPost, "/node/start", `{"apiPort":8080,"p2pPort":9000}`)

	w, body := doJSON(t, h, http.MethodGet, "/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body["logs"], "OpenHash executable not found")

	w, _ = doJSON(t, h, http.MethodDelete, "/logs", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body = doJSON(t, h, http.MethodGet, "/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", body["logs"])
}

func TestDataDirEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, body := doJSON(t, r.Handler(), http.MethodGet, "/datadir", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["path"])
}

func TestUpdateKickoffAndStatusPolling(t *testing.T) {
	payload := []byte("downloaded-binary")
	mux := http.NewServeMux()
	feed := httptest.NewServer(mux)
	defer feed.Close()
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w,
			`{"tag_name":"v3.0.0","assets":[{"name":"openhash","browser_download_url":"%s/dl"}]}`,
			feed.URL)
	})
	mux.HandleFunc("/dl", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(payload)
	})

	r, mgr := newTestRouter(t, func(cfg *config.Config) {
		cfg.Feed.URL = feed.URL + "/releases/latest"
		cfg.Feed.AssetName = "openhash"
	})
	h := r.Handler()

	w, _ := doJSON(t, h, http.MethodPost, "/update", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	deadline := time.Now().Add(5 * time.Second)
	var snap map[string]any
	for time.Now().Before(deadline) {
		_, snap = doJSON(t, h, http.MethodGet, "/update/status", "")
		if snap["state"] == StateComplete || snap["state"] == StateFailed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, StateComplete, snap["state"], "snapshot: %v", snap)
	assert.Equal(t, "v3.0.0", snap["tag"])
	assert.EqualValues(t, len(payload), snap["current"])

	data, err := os.ReadFile(mgr.ExecutablePath())
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestUpdateConflictWhileRunning(t *testing.T) {
	tr := NewProgressTracker()
	require.True(t, tr.begin())
	require.False(t, tr.begin(), "second begin must conflict")
	tr.OnProgress(updater.Progress{Current: 10, Total: 100})
	tr.OnComplete("v1.0.0")
	tr.finish(nil)
	snap := tr.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, "v1.0.0", snap.Tag)
	assert.EqualValues(t, 10, snap.Current)
	assert.EqualValues(t, 100, snap.Total)
	require.True(t, tr.begin(), "finished tracker can begin again")
}
