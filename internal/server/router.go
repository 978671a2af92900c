package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/slotr/internal/auth"
	mng "github.com/loykin/slotr/internal/manager"
	"github.com/loykin/slotr/internal/metrics"
	"github.com/loykin/slotr/internal/process"
)

// Tail bounds for GET .../tail.
const (
	DefaultTailLines = 100
	MaxTailLines     = 5000
)

// Router provides embeddable HTTP handlers for the slot manager.
// Endpoints:
//
//	GET  {basePath}/status                 query: match=pattern (optional)
//	GET  {basePath}/slots/:slot/status     query: detailed=true (optional)
//	POST {basePath}/slots/:slot/start      body: StartRequest JSON
//	POST {basePath}/slots/:slot/stop
//	GET  {basePath}/slots/:slot/tail       query: n=100
//	GET  {basePath}/slots/:slot/log        plain text attachment
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
	opts     Options
	log      *slog.Logger
}

// Options tune the router. Zero values disable auth and metrics.
type Options struct {
	// BasicAuth is enabled when Username is set. Password may be a bcrypt hash.
	Username string
	Password string
	// Metrics mounts /metrics outside the base path.
	Metrics bool
	Logger  *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/status, /api/slots/rclone/start, ...
func NewRouter(mgr *mng.Manager, basePath string, opts Options) *Router {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), opts: opts, log: l}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.opts.Metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.Use(auth.GinAuth(auth.NewCredentials(r.opts.Username, r.opts.Password)))
	r.Register(group)
	return g
}

// Register mounts the slot routes on an existing gin group.
func (r *Router) Register(group gin.IRoutes) {
	group.GET("/status", r.handleStatusAll)
	group.GET("/slots/:slot/status", r.handleStatus)
	group.POST("/slots/:slot/start", r.handleStart)
	group.POST("/slots/:slot/stop", r.handleStop)
	group.GET("/slots/:slot/tail", r.handleTail)
	group.GET("/slots/:slot/log", r.handleLog)
}

// NewServer returns an http.Server for addr serving this router.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

// StartRequest is the body of a start call. Exactly one of Command or Args is used;
// Args wins when both are set.
type StartRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type startResp struct {
	envelope
	Run mng.StartResult `json:"run"`
}

func errorResp(msg string) envelope { return envelope{Status: "error", Message: msg} }

// writeErr maps manager and process errors to HTTP status codes.
func (r *Router) writeErr(c *gin.Context, slot string, err error) {
	var le *process.LaunchError
	switch {
	case errors.Is(err, mng.ErrUnknownSlot):
		writeJSON(c, http.StatusNotFound, errorResp(err.Error()))
	case errors.Is(err, mng.ErrAlreadyRunning):
		writeJSON(c, http.StatusConflict, errorResp(fmt.Sprintf("A %s process is already running.", slot)))
	case errors.Is(err, process.ErrEmptyCommand):
		writeJSON(c, http.StatusBadRequest, errorResp("No command provided."))
	case errors.As(err, &le):
		writeJSON(c, http.StatusInternalServerError, errorResp("Failed to execute command: "+le.Err.Error()))
	default:
		r.log.Error("request failed", "path", c.FullPath(), "slot", slot, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp(err.Error()))
	}
}

func (r *Router) handleStart(c *gin.Context) {
	slot := c.Param("slot")
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp("Invalid JSON payload."))
		return
	}
	if !isSafeAbsPath(req.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp("invalid workdir: must be absolute path without traversal"))
		return
	}
	spec := process.Spec{Command: req.Command, Args: req.Args, WorkDir: req.WorkDir, Env: req.Env}
	res, err := r.mgr.Start(c.Request.Context(), slot, spec)
	if err != nil {
		r.writeErr(c, slot, err)
		return
	}
	writeJSON(c, http.StatusOK, startResp{
		envelope: envelope{Status: "success", Message: fmt.Sprintf("%s process started.", slot)},
		Run:      res,
	})
}

func (r *Router) handleStop(c *gin.Context) {
	slot := c.Param("slot")
	res, err := r.mgr.Stop(c.Request.Context(), slot)
	if err != nil {
		r.writeErr(c, slot, err)
		return
	}
	writeJSON(c, http.StatusOK, envelope{Status: res.Status, Message: res.Message})
}

func (r *Router) handleStatus(c *gin.Context) {
	slot := c.Param("slot")
	detailed, _ := strconv.ParseBool(c.Query("detailed"))
	st, err := r.mgr.Status(c.Request.Context(), slot, detailed)
	if err != nil {
		r.writeErr(c, slot, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStatusAll(c *gin.Context) {
	pattern := c.DefaultQuery("match", "*")
	sts, err := r.mgr.StatusMatch(c.Request.Context(), pattern)
	if err != nil {
		r.writeErr(c, "", err)
		return
	}
	out := make(map[string]mng.Status, len(sts))
	for _, st := range sts {
		out[st.Slot] = st
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleTail(c *gin.Context) {
	slot := c.Param("slot")
	n, err := parseTailN(c.Query("n"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp(err.Error()))
		return
	}
	res, err := r.mgr.Tail(c.Request.Context(), slot, n)
	if err != nil {
		r.writeErr(c, slot, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleLog(c *gin.Context) {
	slot := c.Param("slot")
	b, err := r.mgr.ReadAll(slot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(c, http.StatusNotFound, errorResp(fmt.Sprintf("%s log file not found.", capitalize(slot))))
			return
		}
		r.writeErr(c, slot, err)
		return
	}
	c.Header("Content-Disposition", "attachment;filename="+logFilename(slot, time.Now()))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
}

func parseTailN(s string) (int, error) {
	if s == "" {
		return DefaultTailLines, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid n %q", s)
	}
	if n > MaxTailLines {
		n = MaxTailLines
	}
	return n, nil
}

func logFilename(slot string, at time.Time) string {
	return fmt.Sprintf("%s_log_%s.txt", slot, at.Format("20060102-150405"))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Serve runs srv until ctx is done, then shuts it down within timeout.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			// certificates come from TLSConfig.GetCertificate
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
