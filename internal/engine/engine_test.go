package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reach/internal/ir"
	"github.com/roach88/reach/internal/queue"
	"github.com/roach88/reach/internal/store"
	"github.com/roach88/reach/internal/testutil"
)

type testEnv struct {
	engine *Engine
	store  *store.Store
	queue  *queue.Queue
	clock  *testutil.FakeClock
}

func newTestEnv(t *testing.T, runIDs ...string) *testEnv {
	t.Helper()
	clock := testutil.NewFakeClock()
	s := testutil.OpenStore(t, clock)
	q := queue.New(s,
		queue.WithClock(clock.Now),
		queue.WithBackoff(queue.Backoff{}),
		queue.WithTokenSource(testutil.NewTokenSequence("").Next),
	)
	if len(runIDs) == 0 {
		runIDs = []string{"run-1"}
	}
	e := New(s, q, WithClock(clock.Now), WithRunIDs(NewFixedGenerator(runIDs...)))
	return &testEnv{engine: e, store: s, queue: q, clock: clock}
}

func (env *testEnv) pool(exec ToolExecutor) *WorkerPool {
	return NewWorkerPool(env.engine, exec, WithIdleWait(time.Millisecond), WithPollRate(1000, 100))
}

func (env *testEnv) submit(t *testing.T, pack ir.Pack) ir.Run {
	t.Helper()
	run, err := env.engine.Submit(context.Background(), SubmitRequest{Pack: pack})
	require.NoError(t, err)
	return run
}

func (env *testEnv) events(t *testing.T, runID string) []ir.Event {
	t.Helper()
	events, err := env.store.Events(context.Background(), runID)
	require.NoError(t, err)
	return events
}

func pipelinePack() ir.Pack {
	return testPack("fetch",
		[]ir.Node{
			retrying(action("fetch", "flaky"), ir.RetrySame, 3),
			action("parse", "parse"),
			action("store", "store"),
		},
		edge("fetch", "parse"),
		edge("parse", "store"),
	)
}

func pipelineScript() map[string][]Response {
	return map[string][]Response{
		"flaky": {
			{Err: errors.New("connection reset")},
			{Result: ir.Obj(ir.O("body", ir.String("<html>")))},
		},
		"parse": {{Result: ir.Obj(ir.O("items", ir.Int(4)))}},
	}
}

func TestEngine_RunsPipelineToCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exec := NewScriptedExecutor(pipelineScript())

	run := env.submit(t, pipelinePack())
	assert.Equal(t, ir.RunRunning, run.Status)
	assert.Equal(t, "run-1", run.ID)

	done, err := env.pool(exec).RunUntilDone(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, done.Status)
	assert.NotEmpty(t, done.Fingerprint)
	assert.Equal(t, 2, exec.Calls("flaky"))

	events := env.events(t, run.ID)
	assert.Equal(t, ir.EventRunCompleted, lastEvent(events).Type)
	assert.Equal(t, done.LastSeq, lastEvent(events).Seq)
	for _, e := range events {
		assert.Equal(t, env.clock.Now(), e.Timestamp)
	}

	m, err := ir.NewManifest(done, events)
	require.NoError(t, err)
	assert.Equal(t, m.RunFingerprint, done.Fingerprint)

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Completed)
	assert.Zero(t, stats.Queued+stats.Leased)
}

func TestEngine_FingerprintIsStableAcrossStores(t *testing.T) {
	ctx := context.Background()
	var prints []string
	for i := 0; i < 2; i++ {
		env := newTestEnv(t, "run-fixed")
		env.clock.Advance(time.Duration(i) * time.Hour)
		run := env.submit(t, pipelinePack())
		done, err := env.pool(NewScriptedExecutor(pipelineScript())).RunUntilDone(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, ir.RunCompleted, done.Status)
		prints = append(prints, done.Fingerprint)
	}
	assert.Equal(t, prints[0], prints[1])
}

func TestEngine_DeadLetterFailsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exec := NewScriptedExecutor(map[string][]Response{"flaky": {{Err: errors.New("always down")}}})

	run := env.submit(t, pipelinePack())
	done, err := env.pool(exec).RunUntilDone(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, ir.RunFailed, done.Status)
	assert.Equal(t, string(ir.ErrCodeExhaustedRetries), done.FailureCode)
	assert.Equal(t, 3, exec.Calls("flaky"))

	dead, err := env.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ir.JobID(run.ID, "fetch", 0), dead[0].ID)
	assert.Equal(t, 3, dead[0].Attempts)

	attempts, err := env.store.JobAttempts(ctx, dead[0].ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}

func TestEngine_FailFastWithdrawsSiblingJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exec := NewScriptedExecutor(map[string][]Response{
		"fetch": {{Err: errors.New("origin down")}},
		"flaky": {{Err: errors.New("connection reset")}},
	})
	pack := testPack("fan",
		[]ir.Node{
			{ID: "fan", Kind: ir.NodeParallel, Branches: []string{"a", "b"}, Join: ir.JoinFailFast},
			action("a", "fetch"),
			retrying(action("b", "flaky"), ir.RetrySame, 3),
			action("recover", "backup"),
		},
		fallback("fan", "recover"),
	)
	run := env.submit(t, pack)

	leased, err := env.queue.LeaseReady(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	byNode := map[string]ir.Job{}
	for _, j := range leased {
		byNode[j.NodeID] = j
	}
	wp := env.pool(exec)
	require.NoError(t, wp.Process(ctx, "w1", byNode["a"]))
	require.NoError(t, wp.Process(ctx, "w1", byNode["b"]))

	current, err := env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunRunning, current.Status, "the fallback keeps the run alive")

	b, err := env.queue.Get(ctx, byNode["b"].ID)
	require.NoError(t, err)
	assert.Equal(t, ir.JobFailed, b.Status, "the abandoned branch job is withdrawn")

	next, err := env.queue.LeaseReady(ctx, "w2", 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "recover", next[0].NodeID)
	assert.Equal(t, 1, exec.Calls("flaky"))
}

func TestEngine_HardToolErrorFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exec := NewScriptedExecutor(map[string][]Response{
		"flaky": {{Err: ir.NewSecurityViolation("tool tried to escape its sandbox")}},
	})

	run := env.submit(t, pipelinePack())
	done, err := env.pool(exec).RunUntilDone(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, ir.RunFailed, done.Status)
	assert.Equal(t, string(ir.ErrCodeSecurityViolation), done.FailureCode)
	assert.Equal(t, 1, exec.Calls("flaky"))
}

func TestEngine_CancelStopsQueuedJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exec := NewScriptedExecutor(nil)

	run := env.submit(t, pipelinePack())
	cancelled, err := env.engine.Cancel(ctx, run.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, ir.RunCancelled, cancelled.Status)

	n, err := env.pool(exec).Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no job of a cancelled run is leased")
	assert.Zero(t, exec.Calls("flaky"))

	_, err = env.engine.Cancel(ctx, run.ID, "again")
	assert.True(t, ir.HasCode(err, ir.ErrCodeInvalidTransition))
}

func TestEngine_LateOutcomeAfterCancelIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.submit(t, pipelinePack())
	job, err := env.queue.LeaseOne(ctx, "w1")
	require.NoError(t, err)

	_, err = env.engine.Cancel(ctx, run.ID, "stop")
	require.NoError(t, err)
	before := len(env.events(t, run.ID))

	require.NoError(t, env.pool(NewScriptedExecutor(nil)).Process(ctx, "w1", job))
	assert.Len(t, env.events(t, run.ID), before)
}

func TestEngine_DeadlineFailsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.engine.Submit(ctx, SubmitRequest{Pack: pipelinePack(), Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(time.Minute), run.Deadline)

	n, err := env.engine.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(2 * time.Minute)
	n, err = env.engine.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunFailed, got.Status)
	assert.Equal(t, string(ir.ErrCodeTimeout), got.FailureCode)
}

func TestEngine_CompileErrorCreatesNoRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pack := pipelinePack()
	pack.Tools = nil

	_, err := env.engine.Submit(ctx, SubmitRequest{Pack: pack})
	require.Error(t, err)

	runs, err := env.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEngine_Approval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n := action("deploy", "deploy")
	n.RequiresApproval = true
	pool := env.pool(NewScriptedExecutor(nil))

	run := env.submit(t, testPack("deploy", []ir.Node{n}))
	waiting, err := pool.RunUntilDone(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunWaitingApproval, waiting.Status)

	_, err = env.engine.Approve(ctx, run.ID, "", "deploy", true, "")
	require.NoError(t, err)
	done, err := pool.RunUntilDone(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, done.Status)
}

func TestEngine_PolicyDenialIsAudited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.submit(t, testPack("A", []ir.Node{action("A", "shell")}))
	assert.Equal(t, ir.RunFailed, run.Status)

	audit, err := env.store.Audit(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "shell", audit[0].Tool)
	assert.Equal(t, env.clock.Now(), audit[0].CreatedAt)

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total(), "a denied action never reaches the queue")
}

func TestEngine_RecoverRedeliversCommittedOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.submit(t, pipelinePack())
	job, err := env.queue.LeaseOne(ctx, "crashing-worker")
	require.NoError(t, err)
	// The worker commits the result to the queue and dies before
	// reporting it to the run.
	_, err = env.queue.Complete(ctx, job.ID, job.LeaseToken, ir.Obj(ir.O("body", ir.String("ok"))))
	require.NoError(t, err)

	n, err := env.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"parse"}, pointerKeys(got))

	n, err = env.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recovery is idempotent")
}

func widePack(branches int) ir.Pack {
	p := ir.Node{ID: "fan", Kind: ir.NodeParallel}
	nodes := []ir.Node{}
	for i := 0; i < branches; i++ {
		id := fmt.Sprintf("b%d", i)
		n := action(id, "fetch")
		n.Args = ir.Obj(ir.O("shard", ir.Int(i)))
		p.Branches = append(p.Branches, id)
		nodes = append(nodes, n)
	}
	nodes = append(nodes, p, action("merge", "store"))
	return testPack("fan", nodes, edge("fan", "merge"))
}

func TestEngine_ConcurrentWorkersMatchSequentialFingerprint(t *testing.T) {
	ctx := context.Background()
	pack := widePack(6)

	seq := newTestEnv(t, "run-wide")
	run := seq.submit(t, pack)
	want, err := seq.pool(StaticExecutor{}).RunUntilDone(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, ir.RunCompleted, want.Status)

	par := newTestEnv(t, "run-wide")
	run = par.submit(t, pack)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool := NewWorkerPool(par.engine, StaticExecutor{},
		WithWorkers(4), WithIdleWait(time.Millisecond), WithPollRate(1000, 100))
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(runCtx) }()

	var got ir.Run
	require.Eventually(t, func() bool {
		got, err = par.store.GetRun(ctx, run.ID)
		return err == nil && got.Status.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, ir.RunCompleted, got.Status)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)
	assert.Equal(t, trace(seq.events(t, run.ID)), trace(par.events(t, run.ID)))
}

func TestEngine_ReplayOfStoredLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.submit(t, widePack(3))
	done, err := env.pool(StaticExecutor{}).RunUntilDone(ctx, run.ID)
	require.NoError(t, err)

	cg, err := env.engine.Graph(ctx, done.PackHash)
	require.NoError(t, err)
	log := env.events(t, run.ID)

	replayed, final, err := Replay(cg, NewRun(cg, run.ID), log)
	require.NoError(t, err)
	assert.Len(t, replayed, len(log))
	assert.Equal(t, ir.RunCompleted, final.Status)

	m, err := ir.NewManifest(final, replayed)
	require.NoError(t, err)
	assert.Equal(t, done.Fingerprint, m.RunFingerprint)
}
