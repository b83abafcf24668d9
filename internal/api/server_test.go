package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/capsule"
	"github.com/roach88/reach/internal/engine"
	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/queue"
	"github.com/roach88/reach/internal/testutil"
	"github.com/roach88/reach/internal/trust"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func deployPack() ir.Pack {
	gated := ir.Node{ID: "deploy", Kind: ir.NodeAction, Tool: "deploy", RequiresApproval: true}
	return ir.Pack{
		Name:    "gated-deploy",
		Version: "0.4.0",
		Tools:   []string{"build", "deploy"},
		Graph: ir.Graph{
			Start: "build",
			Nodes: []ir.Node{{ID: "build", Kind: ir.NodeAction, Tool: "build"}, gated},
			Edges: []ir.Edge{{From: "build", To: "deploy"}},
		},
	}
}

type fixture struct {
	engine *engine.Engine
	pool   *engine.WorkerPool
	server *Server
	clock  *testutil.FakeClock
}

func newFixture(t *testing.T, exec engine.ToolExecutor, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock()
	s := testutil.OpenStore(t, clock)
	q := queue.New(s, queue.WithClock(clock.Now), queue.WithBackoff(queue.Backoff{}))
	e := engine.New(s, q, engine.WithClock(clock.Now), engine.WithRunIDs(engine.NewFixedGenerator("run-api")))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		engine: e,
		pool:   engine.NewWorkerPool(e, exec, engine.WithIdleWait(time.Millisecond)),
		server: New(e, opts...),
		clock:  clock,
	}
}

// waiting submits deployPack and drives it to the approval gate.
func (f *fixture) waiting(t *testing.T) ir.Run {
	t.Helper()
	ctx := context.Background()
	run, err := f.engine.Submit(ctx, engine.SubmitRequest{Pack: deployPack(), Inputs: ir.Object{}})
	require.NoError(t, err)
	run, err = f.pool.RunUntilDone(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, ir.RunWaitingApproval, run.Status)
	return run
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	rec := f.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, ir.EngineVersion, body["engine_version"])
}

func TestRuns_GetAndList(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	run := f.waiting(t)

	rec := f.do(t, http.MethodGet, "/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[ir.Run](t, rec)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, ir.RunWaitingApproval, got.Status)

	rec = f.do(t, http.MethodGet, "/v1/runs?status=waiting_approval", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Runs []RunSummary `json:"runs"`
	}](t, rec)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "gated-deploy", list.Runs[0].Pack.Name)
	assert.Equal(t, run.LastSeq, list.Runs[0].Events)

	rec = f.do(t, http.MethodGet, "/v1/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[struct {
		Runs []RunSummary `json:"runs"`
	}](t, rec).Runs)
}

func TestRuns_NotFound(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))

	for _, path := range []string{"/v1/runs/nope", "/v1/runs/nope/events", "/v1/runs/nope/audit", "/v1/runs/nope/capsule"} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		body := decode[ErrorBody](t, rec)
		assert.Equal(t, string(ir.ErrCodeNotFound), body.Error.Code, path)
	}
}

func TestRuns_EventsAfter(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	run := f.waiting(t)

	rec := f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/events?after=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Events []ir.Event `json:"events"`
	}](t, rec)
	require.Len(t, body.Events, int(run.LastSeq)-2)
	assert.Equal(t, int64(3), body.Events[0].Seq)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/events?after=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprove_ResumesRun(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	run := f.waiting(t)

	rec := f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/approvals", map[string]any{"node": "deploy", "approved": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ir.RunRunning, decode[RunSummary](t, rec).Status)

	done, err := f.pool.RunUntilDone(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, done.Status)
}

func TestApprove_DenialIsAudited(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	run := f.waiting(t)

	rec := f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/approvals",
		map[string]any{"node": "deploy", "approved": false, "reason": "change freeze"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[RunSummary](t, rec)
	assert.Equal(t, ir.RunFailed, got.Status)
	assert.Equal(t, string(ir.ErrCodeSecurityViolation), got.FailureCode)

	rec = f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Audit []ir.AuditRecord `json:"audit"`
	}](t, rec)
	require.Len(t, body.Audit, 1)
	assert.Equal(t, string(ir.EventApprovalDenied), body.Audit[0].Kind)
	assert.Equal(t, "change freeze", body.Audit[0].Reason)
}

func TestApprove_ValidatesBody(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	run := f.waiting(t)

	rec := f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/approvals", map[string]any{"node": "deploy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(ir.ErrCodeProtocolViolation), decode[ErrorBody](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/approvals", map[string]any{"node": "build", "approved": true})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestCancel(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	run := f.waiting(t)

	rec := f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ir.RunCancelled, decode[RunSummary](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/v1/runs/"+run.ID+"/cancel", map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCapsule_DownloadVerifies(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	run := f.waiting(t)
	_, err := f.engine.Approve(context.Background(), run.ID, "", "deploy", true, "")
	require.NoError(t, err)
	_, err = f.pool.RunUntilDone(context.Background(), run.ID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/runs/"+run.ID+"/capsule", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), run.ID+".capsule.json")

	c, err := capsule.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	require.NoError(t, capsule.Verify(c))
}

func TestJobs_DeadLetterAndRedrive(t *testing.T) {
	exec := engine.NewScriptedExecutor(map[string][]engine.Response{
		"build": {{Err: &ir.Error{Code: ir.ErrCodeProtocolViolation, Message: "malformed manifest"}}},
	})
	f := newFixture(t, exec)
	ctx := context.Background()
	run, err := f.engine.Submit(ctx, engine.SubmitRequest{Pack: deployPack(), Inputs: ir.Object{}})
	require.NoError(t, err)
	run, err = f.pool.RunUntilDone(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, ir.RunFailed, run.Status)

	rec := f.do(t, http.MethodGet, "/v1/jobs/dead-letter", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dead := decode[struct {
		Jobs []ir.Job `json:"jobs"`
	}](t, rec).Jobs
	require.Len(t, dead, 1)

	rec = f.do(t, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[queue.Stats](t, rec).DeadLetter)

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+dead[0].ID+"/redrive", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ir.JobQueued, decode[ir.Job](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+dead[0].ID+"/redrive", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/jobs?run_id="+run.ID+"&status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[struct {
		Jobs []ir.Job `json:"jobs"`
	}](t, rec).Jobs, 1)
}

func TestListLimit(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))

	for _, limit := range []string{"0", "-3", "x", "1001"} {
		rec := f.do(t, http.MethodGet, "/v1/runs?limit="+limit, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
	}
	rec := f.do(t, http.MethodGet, "/v1/jobs?limit=1000", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdvertisement(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	rec := f.do(t, http.MethodGet, "/v1/trust/advertisement", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	pack := deployPack()
	adv := trust.Advertise("node-a", "acme", pack, trust.LevelSeeded)
	f = newFixture(t, engine.NewScriptedExecutor(nil), WithAdvertisement(adv))
	rec = f.do(t, http.MethodGet, "/v1/trust/advertisement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[trust.Advertisement](t, rec)
	assert.Equal(t, adv.RegistryHash, got.RegistryHash)
	assert.Equal(t, trust.LevelSeeded, got.DeterminismLevel)
}

func TestMetrics_CountPerRouteTemplate(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	f.do(t, http.MethodGet, "/v1/runs/a", nil)
	f.do(t, http.MethodGet, "/v1/runs/b", nil)
	f.do(t, http.MethodGet, "/healthz", nil)
	f.do(t, http.MethodGet, "/nowhere", nil)

	m := f.server.Metrics()
	assert.Equal(t, int64(2), m.Requests("GET /v1/runs/:id 404"))
	assert.Equal(t, int64(1), m.Requests("GET /healthz 200"))
	assert.Equal(t, int64(1), m.Requests("GET unmatched 404"))

	rec := f.do(t, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[MetricsSnapshot](t, rec)
	assert.Equal(t, int64(2), snap.Latencies["GET /v1/runs/:id"].Count)
	assert.Contains(t, snap.Routes, "GET /healthz")
}

func TestHistogram(t *testing.T) {
	var h Histogram
	assert.Equal(t, HistogramSnapshot{}, h.Snapshot())

	h.Observe(2 * time.Millisecond)
	h.Observe(4 * time.Millisecond)
	snap := h.Snapshot()
	assert.Equal(t, int64(2), snap.Count)
	assert.InDelta(t, 3.0, snap.MeanMS, 1e-9)
	assert.InDelta(t, 4.0, snap.MaxMS, 1e-9)
}

func TestServe_StopsOnCancel(t *testing.T) {
	f := newFixture(t, engine.NewScriptedExecutor(nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
