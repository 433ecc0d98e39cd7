//go:build !windows

package nodeman

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nnlgsakib/openhash-nodeman/internal/config"
)

func newTestManager(t *testing.T, mutate func(*config.Config)) *Manager {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.ExecutablePath = filepath.Join(dir, "openhash")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.StopGrace = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	m := New(&cfg, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func writeFakeNode(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(t, nil)
	writeFakeNode(t, m.ExecutablePath(), `echo "args: $@"`+"\nsleep 30\n")

	if m.Status() {
		t.Fatal("fresh manager reports running")
	}
	if !m.ExecutableExists() {
		t.Fatal("executable not detected")
	}
	if err := m.StartNode(NodeConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.Status() {
		t.Fatal("manager not running after start")
	}

	// zero-valued config falls back to the configured defaults
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(m.Logs(), "--api-port 8080") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	logs := m.Logs()
	if !strings.Contains(logs, "--api-port 8080") || !strings.Contains(logs, "--p2p-port 9000") {
		t.Fatalf("default ports not passed through, logs:\n%s", logs)
	}

	if err := m.StopNode(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.Status() {
		t.Fatal("manager still running after stop")
	}
}

func TestManagerStartWithoutExecutable(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.StartNode(NodeConfig{})
	if !errors.Is(err, ErrExecutableMissing) {
		t.Fatalf("expected ErrExecutableMissing, got %v", err)
	}
	if !strings.Contains(m.Logs(), "OpenHash executable not found") {
		t.Fatalf("missing-executable entry not logged:\n%s", m.Logs())
	}
}

func TestManagerUpdateGate(t *testing.T) {
	release := make(chan struct{})
	payload := []byte("binary-bytes")
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintf(w,
			`{"tag_name":"v1.2.3","assets":[{"name":"openhash","browser_download_url":"%s/dl"}]}`,
			srv.URL)
	})
	mux.HandleFunc("/dl", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		<-release
		_, _ = w.Write(payload)
	})

	m := newTestManager(t, func(cfg *config.Config) {
		cfg.Feed.URL = srv.URL + "/releases/latest"
		cfg.Feed.AssetName = "openhash"
	})

	var wg sync.WaitGroup
	wg.Add(1)
	firstErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		firstErr <- m.CheckAndDownloadUpdate(context.Background())
	}()

	// wait until the first cycle is inside the download
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(m.Logs(), "Found release") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := m.CheckAndDownloadUpdate(context.Background()); !errors.Is(err, ErrUpdateInProgress) {
		t.Fatalf("expected ErrUpdateInProgress, got %v", err)
	}

	close(release)
	wg.Wait()
	if err := <-firstErr; err != nil {
		t.Fatalf("first update cycle failed: %v", err)
	}
	data, err := os.ReadFile(m.ExecutablePath())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(payload) {
		t.Fatalf("unexpected executable content %q", data)
	}

	// gate released, a new cycle may start
	if err := m.CheckAndDownloadUpdate(context.Background()); err != nil {
		t.Fatalf("second update cycle: %v", err)
	}
}

func TestManagerClearLogs(t *testing.T) {
	m := newTestManager(t, nil)
	_ = m.StartNode(NodeConfig{})
	if m.Logs() == "" {
		t.Fatal("expected a log entry from the failed start")
	}
	m.ClearLogs()
	if m.Logs() != "" {
		t.Fatalf("logs not cleared: %q", m.Logs())
	}
}

func TestManagerCloseStopsNode(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.ExecutablePath = filepath.Join(dir, "openhash")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.StopGrace = time.Second
	m := New(&cfg, nil)
	writeFakeNode(t, m.ExecutablePath(), "sleep 30\n")
	if err := m.StartNode(NodeConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.Status() {
		t.Fatal("node still running after Close")
	}
}

func TestDefaultDataPath(t *testing.T) {
	m := newTestManager(t, nil)
	p := m.DefaultDataPath()
	if p == "" || !filepath.IsAbs(p) {
		t.Fatalf("unexpected default data path %q", p)
	}
}
