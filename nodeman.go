package nodeman

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/nnlgsakib/openhash-nodeman/internal/config"
	"github.com/nnlgsakib/openhash-nodeman/internal/logring"
	"github.com/nnlgsakib/openhash-nodeman/internal/metrics"
	"github.com/nnlgsakib/openhash-nodeman/internal/supervisor"
	"github.com/nnlgsakib/openhash-nodeman/internal/updater"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

// DefaultConfig returns the built-in configuration, the same base that
// LoadConfig merges a TOML file over.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a TOML config file merged over the defaults. An empty
// path returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type NodeConfig = supervisor.NodeConfig

type Progress = updater.Progress

type Notifier = updater.Notifier

var (
	ErrExecutableMissing = supervisor.ErrExecutableMissing
	ErrAlreadyRunning    = supervisor.ErrAlreadyRunning
	ErrNotRunning        = supervisor.ErrNotRunning

	ErrUpdateInProgress = errors.New("update already in progress")
)

// Manager is the caller-facing surface: it owns the shared state (log
// buffer, process handle, running flag) and sequences the supervisor and
// the update fetcher over it. Construct one per application; it lives for
// the application's lifetime.
type Manager struct {
	cfg      *config.Config
	logs     *logring.Buffer
	sup      *supervisor.Supervisor
	fetcher  *updater.Fetcher
	mirror   io.Closer
	updating atomic.Bool
}

// New wires a Manager from config. notifier may be nil when the caller
// does not consume download events.
func New(cfg *config.Config, notifier Notifier) *Manager {
	logs := logring.New()
	var mirror io.Closer
	if w := cfg.Mirror.Writer(); w != nil {
		logs.SetMirror(w)
		mirror = w
	}
	execPath := cfg.ResolveExecutablePath()
	m := &Manager{
		mirror: mirror,
		cfg:    cfg,
		logs:   logs,
		sup:    supervisor.New(execPath, cfg.ResolveDataDir(), cfg.StopGrace, logs),
		fetcher: updater.New(updater.Config{
			FeedURL:   cfg.Feed.URL,
			AssetName: cfg.ResolveAssetName(),
			UserAgent: cfg.Feed.UserAgent,
			DestPath:  execPath,
			Timeout:   cfg.Feed.Timeout,
			Logs:      logs,
			Notifier:  notifier,
		}),
	}
	return m
}

// ExecutableExists reports whether the node binary is present on disk.
func (m *Manager) ExecutableExists() bool { return m.sup.ExecutableExists() }

// Status returns the running flag.
func (m *Manager) Status() bool { return m.sup.Running() }

// StartNode launches the node. Zero ports are filled from the configured
// defaults; an empty DBPath resolves to the default data directory.
func (m *Manager) StartNode(nc NodeConfig) error {
	if nc.APIPort == 0 {
		nc.APIPort = m.cfg.Node.APIPort
	}
	if nc.P2PPort == 0 {
		nc.P2PPort = m.cfg.Node.P2PPort
	}
	if nc.DBPath == "" {
		nc.DBPath = m.cfg.Node.DBPath
	}
	return m.sup.Start(nc)
}

// StopNode terminates the node and reaps it.
func (m *Manager) StopNode() error { return m.sup.Stop() }

// CheckAndDownloadUpdate runs one update cycle. Only one cycle may run at
// a time; concurrent calls fail fast instead of corrupting the partial
// file.
func (m *Manager) CheckAndDownloadUpdate(ctx context.Context) error {
	if !m.updating.CompareAndSwap(false, true) {
		m.logs.Append(ErrUpdateInProgress.Error())
		return ErrUpdateInProgress
	}
	defer m.updating.Store(false)
	return m.fetcher.CheckAndDownload(ctx)
}

// Logs returns a snapshot of the shared log buffer.
func (m *Manager) Logs() string { return m.logs.String() }

// ClearLogs empties the shared log buffer.
func (m *Manager) ClearLogs() { m.logs.Clear() }

// DefaultDataPath returns the platform default node database directory.
func (m *Manager) DefaultDataPath() string { return config.DefaultDataPath() }

// ExecutablePath returns the resolved node executable path.
func (m *Manager) ExecutablePath() string { return m.sup.ExecutablePath() }

// Close stops a still-running node (best effort) and releases the mirror
// writer.
func (m *Manager) Close() error {
	var err error
	if m.Status() {
		err = m.StopNode()
	}
	if m.mirror != nil {
		if cerr := m.mirror.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// RegisterMetrics registers the supervisor's Prometheus collectors.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }
