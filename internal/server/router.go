package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	nodeman "github.com/nnlgsakib/openhash-nodeman"
	"github.com/nnlgsakib/openhash-nodeman/internal/metrics"
	"github.com/nnlgsakib/openhash-nodeman/internal/supervisor"
)

// Router exposes the supervisor's operations to the graphical shell (or any
// local caller) over HTTP.
// Endpoints:
//
//	GET    {basePath}/node/status       -> {"running": bool}
//	GET    {basePath}/node/executable   -> {"exists": bool, "path": "..."}
//	POST   {basePath}/node/start        body: NodeConfig JSON
//	POST   {basePath}/node/stop
//	GET    {basePath}/logs              -> {"logs": "..."}
//	DELETE {basePath}/logs
//	POST   {basePath}/update            async kickoff; 409 while one runs
//	GET    {basePath}/update/status     latest progress snapshot
//	GET    {basePath}/datadir           -> {"path": "..."}
//	GET    {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *nodeman.Manager
	tracker  *ProgressTracker
	basePath string
}

// NewRouter constructs a Router. tracker must be the same ProgressTracker
// the Manager was built with so update snapshots reflect the running cycle.
func NewRouter(mgr *nodeman.Manager, tracker *ProgressTracker, basePath string) *Router {
	return &Router{mgr: mgr, tracker: tracker, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/node/status", r.handleStatus)
	group.GET("/node/executable", r.handleExecutable)
	group.POST("/node/start", r.handleStart)
	group.POST("/node/stop", r.handleStop)
	group.GET("/logs", r.handleLogs)
	group.DELETE("/logs", r.handleClearLogs)
	group.POST("/update", r.handleUpdate)
	group.GET("/update/status", r.handleUpdateStatus)
	group.GET("/datadir", r.handleDataDir)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, mgr *nodeman.Manager, tracker *ProgressTracker) (*http.Server, error) {
	r := NewRouter(mgr, tracker, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Running bool `json:"running"`
}

type executableResp struct {
	Exists bool   `json:"exists"`
	Path   string `json:"path"`
}

type logsResp struct {
	Logs string `json:"logs"`
}

type pathResp struct {
	Path string `json:"path"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, statusResp{Running: r.mgr.Status()})
}

func (r *Router) handleExecutable(c *gin.Context) {
	writeJSON(c, http.StatusOK, executableResp{
		Exists: r.mgr.ExecutableExists(),
		Path:   r.mgr.ExecutablePath(),
	})
}

func (r *Router) handleStart(c *gin.Context) {
	var nc supervisor.NodeConfig
	if err := c.ShouldBindJSON(&nc); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.mgr.StartNode(nc); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, nodeman.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.mgr.StopNode(); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, nodeman.ErrNotRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogs(c *gin.Context) {
	writeJSON(c, http.StatusOK, logsResp{Logs: r.mgr.Logs()})
}

func (r *Router) handleClearLogs(c *gin.Context) {
	r.mgr.ClearLogs()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleUpdate starts an update cycle in the background; the shell polls
// /update/status for progress.
func (r *Router) handleUpdate(c *gin.Context) {
	if !r.tracker.begin() {
		writeJSON(c, http.StatusConflict, errorResp{Error: nodeman.ErrUpdateInProgress.Error()})
		return
	}
	go func() {
		err := r.mgr.CheckAndDownloadUpdate(context.Background())
		r.tracker.finish(err)
	}()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleUpdateStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.tracker.Snapshot())
}

func (r *Router) handleDataDir(c *gin.Context) {
	writeJSON(c, http.StatusOK, pathResp{Path: r.mgr.DefaultDataPath()})
}
