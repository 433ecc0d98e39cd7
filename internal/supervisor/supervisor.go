package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/nnlgsakib/openhash-nodeman/internal/logring"
	"github.com/nnlgsakib/openhash-nodeman/internal/metrics"
)

// NodeConfig is the caller-supplied launch configuration. It is immutable
// once passed to Start.
type NodeConfig struct {
	DBPath  string `json:"dbPath"`
	APIPort uint16 `json:"apiPort"`
	P2PPort uint16 `json:"p2pPort"`
}

var (
	ErrExecutableMissing = errors.New("OpenHash executable not found. Please download it first.")
	ErrAlreadyRunning    = errors.New("node is already running")
	ErrNotRunning        = errors.New("no running process found")
)

const defaultStopGrace = 5 * time.Second

// Supervisor owns at most one OpenHash node process at a time. The running
// flag is the source of truth for the background readers; a monitor
// goroutine owns cmd.Wait so the child is reaped exactly once, and clears
// the flag when the node exits on its own.
type Supervisor struct {
	execPath  string
	defaultDB string
	stopGrace time.Duration
	logs      *logring.Buffer

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	starting bool
	waitDone chan struct{}
}

func New(execPath, defaultDB string, stopGrace time.Duration, logs *logring.Buffer) *Supervisor {
	if stopGrace <= 0 {
		stopGrace = defaultStopGrace
	}
	return &Supervisor{
		execPath:  execPath,
		defaultDB: defaultDB,
		stopGrace: stopGrace,
		logs:      logs,
	}
}

// ExecutablePath returns the node executable path this supervisor launches.
func (s *Supervisor) ExecutablePath() string { return s.execPath }

// ExecutableExists reports whether the node executable is present on disk.
func (s *Supervisor) ExecutableExists() bool {
	st, err := os.Stat(s.execPath)
	return err == nil && !st.IsDir()
}

// Running returns the running flag. The flag is cleared by Stop and by the
// monitor when the process exits on its own.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the node with the given config. Exactly one concurrent
// caller can win the start; the rest observe ErrAlreadyRunning without a
// second process being spawned.
func (s *Supervisor) Start(cfg NodeConfig) error {
	if !s.ExecutableExists() {
		s.logs.Append(ErrExecutableMissing.Error())
		return ErrExecutableMissing
	}

	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		s.logs.Append("Start rejected: node is already running")
		return ErrAlreadyRunning
	}
	s.starting = true
	s.mu.Unlock()

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = s.defaultDB
	}
	if err := os.MkdirAll(dbPath, 0o750); err != nil {
		s.abortStart()
		msg := fmt.Sprintf("Failed to create database directory: %v", err)
		s.logs.Append(msg)
		return fmt.Errorf("create database directory: %w", err)
	}

	// #nosec G204 -- executable path is operator-configured
	cmd := exec.Command(s.execPath,
		"daemon",
		"--api-port", strconv.FormatUint(uint64(cfg.APIPort), 10),
		"--db", dbPath,
		"--p2p-port", strconv.FormatUint(uint64(cfg.P2PPort), 10),
	)
	cmd.SysProcAttr = sysProcAttr()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.abortStart()
		s.logs.Append(fmt.Sprintf("Failed to start process: %v", err))
		return fmt.Errorf("failed to start process: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.abortStart()
		s.logs.Append(fmt.Sprintf("Failed to start process: %v", err))
		return fmt.Errorf("failed to start process: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.abortStart()
		metrics.IncNodeStartFailure()
		s.logs.Append(fmt.Sprintf("Failed to start process: %v", err))
		return fmt.Errorf("failed to start process: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.running = true
	s.starting = false
	s.waitDone = done
	s.mu.Unlock()

	s.logs.Clear()
	s.logs.Append(fmt.Sprintf(
		"Starting OpenHash node with config: {db_path: %s, api_port: %d, p2p_port: %d}",
		dbPath, cfg.APIPort, cfg.P2PPort))

	go s.drain("STDOUT", stdout)
	go s.drain("STDERR", stderr)
	go s.monitor(cmd, done)

	metrics.IncNodeStart()
	metrics.SetNodeRunning(true)
	s.logs.Append("OpenHash node started successfully")
	return nil
}

func (s *Supervisor) abortStart() {
	s.mu.Lock()
	s.starting = false
	s.mu.Unlock()
}

// drain copies one output stream into the log buffer, one line per append.
// It re-acquires the buffer lock per line and polls the running flag so a
// concurrent Stop bounds further writes. Read errors terminate this reader
// only.
func (s *Supervisor) drain(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		s.logs.Append(stream + ": " + sc.Text())
		metrics.IncCapturedLine(stream)
		if !s.Running() {
			return
		}
	}
}

// monitor owns cmd.Wait for one run. When the node exits on its own it
// clears the running flag and releases the handle so Status self-corrects.
func (s *Supervisor) monitor(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	s.mu.Lock()
	selfExit := s.running && s.cmd == cmd
	if s.cmd == cmd {
		s.cmd = nil
		s.running = false
	}
	s.mu.Unlock()
	close(done)
	if selfExit {
		metrics.SetNodeRunning(false)
		metrics.IncNodeStop()
		if err != nil {
			s.logs.Append(fmt.Sprintf("OpenHash node exited unexpectedly: %v", err))
		} else {
			s.logs.Append("OpenHash node exited")
		}
	}
}

// Stop clears the running flag first, takes ownership of the handle, then
// terminates the process group and waits for the monitor to reap it. The
// termination escalates from SIGTERM to SIGKILL after the grace period.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.running = false
	cmd := s.cmd
	s.cmd = nil
	done := s.waitDone
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		s.logs.Append("No running process found")
		return ErrNotRunning
	}
	metrics.SetNodeRunning(false)

	pid := cmd.Process.Pid
	if err := terminate(pid); err != nil {
		select {
		case <-done:
			// already exited and reaped; treat as stopped
		default:
			s.logs.Append(fmt.Sprintf("Failed to stop process: %v", err))
			return fmt.Errorf("failed to stop process: %w", err)
		}
	}
	select {
	case <-done:
	case <-time.After(s.stopGrace):
		_ = kill(pid)
		<-done
	}
	metrics.IncNodeStop()
	s.logs.Append("OpenHash node stopped")
	return nil
}
