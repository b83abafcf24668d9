package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/reach/internal/capsule"
	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/store"
	"github.com/roach88/reach/internal/trust"
)

// DefaultListLimit caps list endpoints when no limit is given.
const DefaultListLimit = 100

// MaxListLimit is the largest limit a client may ask for.
const MaxListLimit = 1000

// Server exposes an engine over HTTP.
type Server struct {
	engine  *engine.Engine
	advert  *trust.Advertisement
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAdvertisement publishes the node's trust advertisement.
func WithAdvertisement(adv trust.Advertisement) Option {
	return func(s *Server) { s.advert = &adv }
}

// WithClock sets the clock used for request timing.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server for e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{engine: e, metrics: NewMetrics(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the server's request metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler builds the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.getRun)
	v1.GET("/runs/:id/events", s.runEvents)
	v1.GET("/runs/:id/audit", s.runAudit)
	v1.GET("/runs/:id/capsule", s.runCapsule)
	v1.POST("/runs/:id/cancel", s.cancelRun)
	v1.POST("/runs/:id/approvals", s.approve)

	v1.GET("/jobs", s.listJobs)
	v1.GET("/jobs/dead-letter", s.deadLetters)
	v1.GET("/jobs/:id", s.getJob)
	v1.POST("/jobs/:id/redrive", s.redrive)

	v1.GET("/queue/stats", s.queueStats)
	v1.GET("/metrics", s.metricsSnapshot)
	v1.GET("/trust/advertisement", s.advertisement)
	return r
}

func (s *Server) health(c *gin.Context) {
	if err := s.engine.Store().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine_version": ir.EngineVersion})
}

func (s *Server) listRuns(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	f := store.RunFilter{
		TenantID: c.Query("tenant"),
		PackHash: c.Query("pack"),
		Limit:    limit,
	}
	for _, st := range c.QueryArray("status") {
		f.Statuses = append(f.Statuses, ir.RunStatus(st))
	}
	runs, err := s.engine.Store().ListRuns(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	summaries := make([]RunSummary, len(runs))
	for i, r := range runs {
		summaries[i] = summarize(r)
	}
	c.JSON(http.StatusOK, gin.H{"runs": summaries})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.engine.Store().GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) runEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.engine.Store().GetRun(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	var after int64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(c, "after must be a non-negative sequence number")
			return
		}
		after = n
	}
	events, err := s.engine.Store().EventsAfter(ctx, id, after)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "events": events})
}

func (s *Server) runAudit(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.engine.Store().GetRun(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	records, err := s.engine.Store().Audit(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "audit": records})
}

// runCapsule exports the run's capsule in its canonical file encoding, so
// the body can be saved and verified as is.
func (s *Server) runCapsule(c *gin.Context) {
	caps, err := capsule.Export(c.Request.Context(), s.engine.Store(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	data, err := capsule.Encode(caps)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+caps.Manifest.RunID+`.capsule.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelRun(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	run, err := s.engine.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(run))
}

type approvalRequest struct {
	Scope    string `json:"scope"`
	Node     string `json:"node" binding:"required"`
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason"`
}

func (s *Server) approve(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	run, err := s.engine.Approve(c.Request.Context(), c.Param("id"), req.Scope, req.Node, *req.Approved, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(run))
}

func (s *Server) listJobs(c *gin.Context) {
	limit, ok := listLimit(c)
	if !ok {
		return
	}
	f := store.JobFilter{RunID: c.Query("run_id"), Limit: limit}
	for _, st := range c.QueryArray("status") {
		f.Statuses = append(f.Statuses, ir.JobStatus(st))
	}
	jobs, err := s.engine.Store().ListJobs(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) deadLetters(c *gin.Context) {
	jobs, err := s.engine.Queue().DeadLetters(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.engine.Queue().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) redrive(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.engine.Queue().Redrive(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	job, err := s.engine.Queue().Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.engine.Queue().Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) metricsSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) advertisement(c *gin.Context) {
	if s.advert == nil {
		writeError(c, &ir.Error{Code: ir.ErrCodeNotFound, Message: "node publishes no trust advertisement"})
		return
	}
	c.JSON(http.StatusOK, s.advert)
}

// Serve runs the handler on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			return err
		}
		return nil
	}
}

func listLimit(c *gin.Context) (int, bool) {
	v := c.Query("limit")
	if v == "" {
		return DefaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > MaxListLimit {
		badRequest(c, "limit must be between 1 and "+strconv.Itoa(MaxListLimit))
		return 0, false
	}
	return n, true
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(ir.ErrCodeProtocolViolation, strings.TrimSpace(msg)))
}
