package orchestrator

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/executor"
	"github.com/foreman-dev/foreman/internal/notify"
	"github.com/foreman-dev/foreman/internal/progress"
	"github.com/foreman-dev/foreman/internal/sandbox"
	"github.com/foreman-dev/foreman/internal/store"
)

// fakeStream replays scripted events.
type fakeStream struct {
	ctx    context.Context
	events []executor.Event
	i      int
}

func (s *fakeStream) Next() (executor.Event, error) {
	if s.ctx.Err() != nil {
		return executor.Event{}, s.ctx.Err()
	}
	if s.i >= len(s.events) {
		return executor.Event{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeExecutor scripts session outcomes per request.
type fakeExecutor struct {
	script  func(req executor.Request) []executor.Event
	onStart func(req executor.Request)
	starts  int32
}

func (f *fakeExecutor) Start(ctx context.Context, req executor.Request) (executor.Stream, error) {
	atomic.AddInt32(&f.starts, 1)
	if f.onStart != nil {
		f.onStart(req)
	}
	events := []executor.Event{doneEvent()}
	if f.script != nil {
		events = f.script(req)
	}
	return &fakeStream{ctx: ctx, events: events}, nil
}

func doneEvent() executor.Event {
	return executor.Event{Kind: executor.KindResult, Result: "done", CostUSD: 0.01, InputTokens: 10, OutputTokens: 5}
}

// fakeSandbox counts lifecycle calls. Commands routed into it succeed
// without touching the host.
type fakeSandbox struct {
	starts *int32
	stops  *int32
}

func (f *fakeSandbox) Name() string         { return "fake" }
func (f *fakeSandbox) State() string        { return sandbox.StateRunning }
func (f *fakeSandbox) AllowsHostExec() bool { return false }

func (f *fakeSandbox) Start(ctx context.Context) error {
	atomic.AddInt32(f.starts, 1)
	return nil
}
func (f *fakeSandbox) Execute(ctx context.Context, command string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (f *fakeSandbox) Stop(ctx context.Context) { atomic.AddInt32(f.stops, 1) }

type fixture struct {
	o          *Orchestrator
	store      *store.Store
	dbPath     string
	exec       *fakeExecutor
	projectDir string
	starts     int32
	stops      int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		dbPath:     filepath.Join(t.TempDir(), "foreman.db"),
		exec:       &fakeExecutor{},
		projectDir: t.TempDir(),
	}

	s, err := store.NewStore(f.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	f.store = s

	cfg := config.DefaultConfig()
	cfg.Sandbox.Type = "none"
	cfg.Execution.IterationDelay = 0
	cfg.Execution.HeartbeatInterval = 1

	log := zap.NewNop().Sugar()
	f.o = New(cfg, s, f.exec, notify.New("", log), log,
		withSandboxFactory(func(scfg sandbox.Config, sessionID, projectDir string, l *zap.SugaredLogger) (sandbox.Sandbox, error) {
			return &fakeSandbox{starts: &f.starts, stops: &f.stops}, nil
		}))
	return f
}

func (f *fixture) createProject(t *testing.T, name string) *store.Project {
	t.Helper()
	p, err := f.o.CreateProject(name, f.projectDir, nil, false)
	require.NoError(t, err)
	return p
}

func TestStartSessionPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.StartSession(ctx, "nope", store.TypeCoding, nil)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	f.createProject(t, "api")
	f.o.cfg.Models.Review = ""
	_, err = f.o.StartSession(ctx, "api", store.TypeReview, nil)
	assert.ErrorIs(t, err, ErrMissingModel)
}

func TestStartSessionConflictNamesWinner(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t, "api")

	winner, err := f.store.CreateSession(p.ID, 0, store.TypeInitializer, "opus")
	require.NoError(t, err)
	require.NoError(t, f.store.TransitionRunning(winner.ID))

	_, err = f.o.StartSession(context.Background(), "api", store.TypeCoding, nil)
	var cc *store.ConcurrencyConflictError
	require.ErrorAs(t, err, &cc)
	assert.Equal(t, 0, cc.WinnerNumber)

	// The loser left no session row behind.
	sessions, err := f.store.ListSessions(p.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionCompletesWithMetricsAndCleanup(t *testing.T) {
	f := newFixture(t)
	f.createProject(t, "api")

	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{
			{Kind: executor.KindSystem, Text: "init"},
			{Kind: executor.KindText, Text: "starting on the login task"},
			{Kind: executor.KindToolUse, Tool: "Bash", ToolInput: map[string]any{"command": "go test ./..."}},
			{Kind: executor.KindToolResult, Result: "ok"},
			{Kind: executor.KindUsage, InputTokens: 200, OutputTokens: 40},
			{Kind: executor.KindResult, Result: "task done", CostUSD: 0.5, InputTokens: 300, OutputTokens: 60},
		}
	}

	sess, err := f.o.StartSession(context.Background(), "api", store.TypeCoding, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, sess.Status)
	assert.Equal(t, 1, sess.Metrics.MessageCount)
	assert.Equal(t, 1, sess.Metrics.ToolCount)
	assert.Equal(t, 500, sess.Metrics.TokensIn)
	assert.Equal(t, 100, sess.Metrics.TokensOut)
	assert.Equal(t, 0.5, sess.Metrics.CostUSD)
	assert.NotNil(t, sess.EndedAt)

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.starts), "one sandbox start")
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.stops), "exactly one sandbox stop")
}

func TestSessionErrorStatusNotRaised(t *testing.T) {
	f := newFixture(t)
	f.createProject(t, "api")

	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{
			{Kind: executor.KindResult, Result: "compile failed everywhere", IsError: true},
		}
	}

	sess, err := f.o.StartSession(context.Background(), "api", store.TypeCoding, nil)
	require.NoError(t, err, "session-body failures surface via status, not error")
	assert.Equal(t, store.StatusError, sess.Status)
	assert.Contains(t, sess.Error, "compile failed")
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.stops), "sandbox stopped on the error path too")
}

func TestEpicTestBlockMarkerMapsToBlocked(t *testing.T) {
	f := newFixture(t)
	f.createProject(t, "api")

	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{
			{Kind: executor.KindResult, Result: "Epic test failure blocked: auth suite red", IsError: true},
		}
	}

	sess, err := f.o.StartSession(context.Background(), "api", store.TypeCoding, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, sess.Status)

	data, err := os.ReadFile(progress.Path(f.projectDir))
	require.NoError(t, err)
	assert.Contains(t, string(data), "## ⚠️ Session 0 BLOCKED")
}

func TestRetryLoopBlocksAndPauses(t *testing.T) {
	f := newFixture(t)
	f.createProject(t, "api")

	loop := executor.Event{Kind: executor.KindToolUse, Tool: "Bash", ToolInput: map[string]any{"command": "npm test"}}
	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{loop, loop, loop, loop, loop, doneEvent()}
	}

	sess, err := f.o.StartSession(context.Background(), "api", store.TypeCoding, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, sess.Status)
	assert.Contains(t, sess.Error, "npm test")

	ps, err := f.store.GetPausedSession(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, store.PauseRetryLimit, ps.PauseType)
	assert.NotEmpty(t, ps.RetryStats)

	// An error checkpoint was snapshotted for recovery.
	cp, err := f.store.LatestCheckpoint(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, store.CheckpointError, cp.Type)
}

func TestBlockerDetectionPausesCritical(t *testing.T) {
	f := newFixture(t)
	f.createProject(t, "api")

	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{
			{Kind: executor.KindToolUse, Tool: "Bash", ToolInput: map[string]any{"command": "npm start"}},
			{Kind: executor.KindToolResult, Result: "Error: Port 8080 already in use", IsError: true},
			doneEvent(),
		}
	}

	sess, err := f.o.StartSession(context.Background(), "api", store.TypeCoding, nil)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, sess.Status)

	ps, err := f.store.GetPausedSession(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, store.PauseCriticalError, ps.PauseType)
	assert.Contains(t, ps.Blocker, "port_conflict")
}

func TestInitializationPersistsPlan(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t, "api")

	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{
			{Kind: executor.KindText, Text: "Here is the plan.\n\n" +
				"## Epic: Auth\n- [ ] login form\n- [ ] session store\n\n" +
				"## Epic 2: Billing\n- [ ] invoice model"},
			doneEvent(),
		}
	}

	sess, err := f.o.StartInitialization(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Number, "initializer is always session 0")
	assert.Equal(t, store.StatusCompleted, sess.Status)

	n, err := f.store.CountEpics(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the plan in the session output lands as epic rows")

	tasks, err := f.store.ListTasks(p.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "login form", tasks[0].Title)
	assert.Equal(t, store.TaskPending, tasks[0].Status)

	_, err = f.o.StartInitialization(context.Background(), "api")
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitializationWithoutPlanFails(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t, "api")

	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{
			{Kind: executor.KindText, Text: "I studied the repository but produced nothing."},
			doneEvent(),
		}
	}

	sess, err := f.o.StartInitialization(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, sess.Status, "a plan-less planning session is a failure")
	assert.Contains(t, sess.Error, "planning output")

	n, err := f.store.CountEpics(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAutoContinueIterationLimit(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t, "api")
	e, err := f.store.CreateEpic(p.ID, "Auth", 0)
	require.NoError(t, err)
	_, err = f.store.CreateTask(p.ID, e.ID, "never done", 0)
	require.NoError(t, err)

	last, iterations, err := f.o.StartCodingSessions(context.Background(), "api", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, iterations, "exactly max_iterations sessions, no third attempt")
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.exec.starts))
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Number, "the second session is the one returned")
}

func TestAutoContinueZeroMeansUnlimited(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t, "api")
	e, err := f.store.CreateEpic(p.ID, "Auth", 0)
	require.NoError(t, err)
	_, err = f.store.CreateTask(p.ID, e.ID, "login", 0)
	require.NoError(t, err)

	// The config cap must not leak in when the caller asks for no cap.
	f.o.cfg.Execution.MaxIterations = 2

	f.exec.script = func(req executor.Request) []executor.Event {
		if atomic.LoadInt32(&f.exec.starts) >= 4 {
			return []executor.Event{
				{Kind: executor.KindText, Text: "TASK COMPLETE: login"},
				doneEvent(),
			}
		}
		return []executor.Event{doneEvent()}
	}

	last, iterations, err := f.o.StartCodingSessions(context.Background(), "api", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, iterations, "the loop runs past the configured cap until the project completes")
	require.NotNil(t, last)
	assert.Equal(t, store.StatusCompleted, last.Status)
}

func TestAutoContinueCompletesProject(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t, "api")
	e, err := f.store.CreateEpic(p.ID, "Auth", 0)
	require.NoError(t, err)
	task, err := f.store.CreateTask(p.ID, e.ID, "login", 0)
	require.NoError(t, err)

	var hookSession string
	var hookFinal bool
	f.o.quality = func(sessionID string, score float64, forceFinal bool) {
		if forceFinal {
			hookSession, hookFinal = sessionID, true
		}
	}

	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{
			{Kind: executor.KindText, Text: "Login is done and green.\nTASK COMPLETE: login"},
			doneEvent(),
		}
	}

	last, iterations, err := f.o.StartCodingSessions(context.Background(), "api", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, iterations)

	tasks, err := f.store.ListTasks(p.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
	assert.Equal(t, store.TaskCompleted, tasks[0].Status, "the marker line flips the task")

	got, err := f.store.GetProject("api")
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, hookFinal, "quality hook fires with forceFinal on completion")
	require.NotNil(t, last)
	assert.Equal(t, last.ID, hookSession)
}

func TestAutoContinueStopsOnNonCompleted(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t, "api")
	e, err := f.store.CreateEpic(p.ID, "Auth", 0)
	require.NoError(t, err)
	_, err = f.store.CreateTask(p.ID, e.ID, "login", 0)
	require.NoError(t, err)

	f.exec.script = func(req executor.Request) []executor.Event {
		return []executor.Event{{Kind: executor.KindResult, Result: "broke", IsError: true}}
	}

	last, iterations, err := f.o.StartCodingSessions(context.Background(), "api", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, iterations, "an error session halts the loop")
	require.NotNil(t, last)
	assert.Equal(t, store.StatusError, last.Status)
}

func TestCleanupStaleSessions(t *testing.T) {
	f := newFixture(t)
	p := f.createProject(t, "api")

	fresh, err := f.store.CreateSession(p.ID, 0, store.TypeCoding, "sonnet")
	require.NoError(t, err)
	require.NoError(t, f.store.TransitionRunning(fresh.ID))

	// A second project hosts the stale session so both rows can be running.
	other := f.createProject(t, "worker")
	stale, err := f.store.CreateSession(other.ID, 0, store.TypeReview, "sonnet")
	require.NoError(t, err)
	// Age the heartbeat behind the store's back.
	db, err := sql.Open("sqlite3", f.dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE sessions SET status = 'running', last_heartbeat = ? WHERE id = ?`,
		time.Now().Add(-10*time.Minute), stale.ID)
	require.NoError(t, err)

	interrupted, err := f.o.CleanupStaleSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, interrupted, "only the expired review session is swept")

	got, err := f.store.GetSession(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInterrupted, got.Status)

	untouched, err := f.store.GetSession(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, untouched.Status)
}

func TestStopSessionUnknown(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.o.StopSession("ghost", "because"))
}

func TestStaleThresholds(t *testing.T) {
	tests := []struct {
		sessionType string
		want        time.Duration
	}{
		{store.TypeInitializer, 30 * time.Minute},
		{store.TypeCoding, 10 * time.Minute},
		{store.TypeReview, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := StaleThreshold(tt.sessionType); got != tt.want {
			t.Errorf("StaleThreshold(%s): got %s, want %s", tt.sessionType, got, tt.want)
		}
	}
}

func TestResumeContextOverridesPrompt(t *testing.T) {
	f := newFixture(t)
	f.createProject(t, "api")

	var gotPrompt string
	f.exec.onStart = func(req executor.Request) { gotPrompt = req.Prompt }

	_, err := f.o.StartSession(context.Background(), "api", store.TypeCoding,
		&ResumeContext{Prompt: "resume from checkpoint 3"})
	require.NoError(t, err)
	assert.Equal(t, "resume from checkpoint 3", gotPrompt)
}
