package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidecar/internal/events"
	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/ports"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/supervisor"
)

// Controller is the part of the supervisor the control API drives.
type Controller interface {
	Status() supervisor.Status
	Launch(ctx context.Context) (*supervisor.LaunchReport, error)
	Stop(ctx context.Context) error
	Restart(ctx context.Context) (*supervisor.LaunchReport, error)
	Reclaim(ctx context.Context, port int) ports.Result
	ReclaimAll(ctx context.Context) []ports.Result
	Recent(n int) []events.Event
}

// Router provides embeddable HTTP handlers for an out-of-process UI shell.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/start            reclaim ports, start, wait for health
//	POST {basePath}/stop             query: wait=5s (optional escalation deadline)
//	POST {basePath}/restart
//	POST {basePath}/reclaim          query: port=8001 (all configured ports when absent)
//	GET  {basePath}/events           query: limit=50
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/reclaim", r.handleReclaim)
	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer listens on addr and serves the router in the background. Bind
// errors are returned; the caller shuts the server down.
func NewServer(addr, basePath string, ctl Controller) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(ctl, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start and restart wait for the health gate
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type launchResp struct {
	OK bool `json:"ok"`
	*supervisor.LaunchReport
	Error string `json:"error,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleStart(c *gin.Context) {
	rep, err := r.ctl.Launch(c.Request.Context())
	r.writeLaunch(c, rep, err)
}

func (r *Router) handleRestart(c *gin.Context) {
	rep, err := r.ctl.Restart(c.Request.Context())
	r.writeLaunch(c, rep, err)
}

func (r *Router) writeLaunch(c *gin.Context, rep *supervisor.LaunchReport, err error) {
	if err == nil {
		writeJSON(c, http.StatusOK, launchResp{OK: true, LaunchReport: rep})
		return
	}
	var perr *process.Error
	switch {
	case errors.Is(err, health.ErrBackendUnresponsive):
		// started but not answering; the report says what was launched
		writeJSON(c, http.StatusServiceUnavailable, launchResp{LaunchReport: rep, Error: err.Error()})
	case errors.Is(err, process.ErrStopInProgress):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.As(err, &perr):
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error(), Kind: perr.Kind.String()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}

func (r *Router) handleStop(c *gin.Context) {
	wait, ok := parseWait(c.Query("wait"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
		return
	}
	ctx := c.Request.Context()
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	if err := r.ctl.Stop(ctx); err != nil {
		var perr *process.Error
		resp := errorResp{Error: err.Error()}
		if errors.As(err, &perr) {
			resp.Kind = perr.Kind.String()
		}
		writeJSON(c, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReclaim(c *gin.Context) {
	raw := c.Query("port")
	if raw == "" {
		writeJSON(c, http.StatusOK, r.ctl.ReclaimAll(c.Request.Context()))
		return
	}
	port, ok := parsePort(raw)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "port must be 1-65535"})
		return
	}
	writeJSON(c, http.StatusOK, []ports.Result{r.ctl.Reclaim(c.Request.Context(), port)})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	evs := r.ctl.Recent(limit)
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(c, http.StatusOK, evs)
}
