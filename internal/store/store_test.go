package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "foreman.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateProjectDuplicate(t *testing.T) {
	s := newTestStore(t)

	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	_, err = s.CreateProject("api", "/tmp/api", "docker", nil, false)
	assert.ErrorIs(t, err, ErrProjectExists)
}

func TestCreateProjectForceResets(t *testing.T) {
	s := newTestStore(t)

	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)
	_, err = s.CreateEpic(p.ID, "Auth", 0)
	require.NoError(t, err)
	_, err = s.CreateSession(p.ID, 0, TypeInitializer, "opus")
	require.NoError(t, err)

	p2, err := s.CreateProject("api", "/tmp/api2", "none", map[string]string{"lang": "go"}, true)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, p2.ID)

	n, err := s.CountEpics(p2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	num, err := s.NextSessionNumber(p2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, num, "session numbering restarts after a forced reset")
}

func TestGetProjectMissing(t *testing.T) {
	s := newTestStore(t)
	p, err := s.GetProject("nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSessionNumbersMonotonic(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		num, err := s.NextSessionNumber(p.ID)
		require.NoError(t, err)
		assert.Equal(t, want, num)

		typ := TypeCoding
		if want == 0 {
			typ = TypeInitializer
		}
		_, err = s.CreateSession(p.ID, num, typ, "sonnet")
		require.NoError(t, err)
	}
}

func TestSingleRunningSessionPerProject(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)

	first, err := s.CreateSession(p.ID, 0, TypeInitializer, "opus")
	require.NoError(t, err)
	require.NoError(t, s.TransitionRunning(first.ID))

	second, err := s.CreateSession(p.ID, 1, TypeCoding, "sonnet")
	require.NoError(t, err)

	err = s.TransitionRunning(second.ID)
	require.Error(t, err)
	var cc *ConcurrencyConflictError
	require.ErrorAs(t, err, &cc)
	assert.Equal(t, first.ID, cc.WinnerID)
	assert.Equal(t, 0, cc.WinnerNumber)
	assert.Equal(t, "api", cc.ProjectName)

	// Once the winner finishes, the next session may run.
	require.NoError(t, s.FinishSession(first.ID, StatusCompleted, "", Metrics{}))
	require.NoError(t, s.TransitionRunning(second.ID))
}

func TestFinishSessionRecordsMetrics(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)
	sess, err := s.CreateSession(p.ID, 0, TypeInitializer, "opus")
	require.NoError(t, err)
	require.NoError(t, s.TransitionRunning(sess.ID))

	m := Metrics{DurationMs: 1200, MessageCount: 4, ToolCount: 7, TokensIn: 100, TokensOut: 250, CostUSD: 0.42}
	require.NoError(t, s.FinishSession(sess.ID, StatusError, "boom", m))

	got, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, m, got.Metrics)
	assert.NotNil(t, got.EndedAt)
}

func TestCheckpointNumbersAndInvalidation(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)
	sess, err := s.CreateSession(p.ID, 1, TypeCoding, "sonnet")
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		cp := &Checkpoint{
			SessionID:      sess.ID,
			ProjectID:      p.ID,
			Type:           CheckpointTaskCompletion,
			Transcript:     "work",
			CompletedTasks: []string{"t1"},
			ToolCache:      map[string]string{"Bash": "ok"},
			Metrics:        Metrics{ToolCount: 4, CostUSD: 0.25},
			CanResumeFrom:  true,
		}
		require.NoError(t, s.CreateCheckpoint(cp))
		assert.Equal(t, i+1, cp.Number)
		ids = append(ids, cp.ID)
	}

	first, err := s.GetCheckpoint(ids[0])
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Bash": "ok"}, first.ToolCache)
	assert.Equal(t, 0.25, first.Metrics.CostUSD)

	// Invalidating checkpoint 2 takes 1 and 2 down with it, never 3.
	require.NoError(t, s.InvalidateCheckpoint(ids[1], "state drift"))

	for i, id := range ids {
		cp, err := s.GetCheckpoint(id)
		require.NoError(t, err)
		if i < 2 {
			assert.True(t, cp.Invalidated, "checkpoint %d should be invalidated", i+1)
			assert.Equal(t, "state drift", cp.InvalidatedReason)
		} else {
			assert.False(t, cp.Invalidated, "checkpoint 3 must stay valid")
		}
	}

	best, err := s.ResumableCheckpoint(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, 3, best.Number)
}

func TestResumableSkipsNonResumable(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)
	sess, err := s.CreateSession(p.ID, 1, TypeCoding, "sonnet")
	require.NoError(t, err)

	cp1 := &Checkpoint{SessionID: sess.ID, ProjectID: p.ID, Type: CheckpointTaskCompletion, Transcript: "a", CanResumeFrom: true}
	require.NoError(t, s.CreateCheckpoint(cp1))
	cp2 := &Checkpoint{SessionID: sess.ID, ProjectID: p.ID, Type: CheckpointError, Transcript: "b", CanResumeFrom: false}
	require.NoError(t, s.CreateCheckpoint(cp2))

	best, err := s.ResumableCheckpoint(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, cp1.ID, best.ID)

	latest, err := s.LatestCheckpoint(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, cp2.ID, latest.ID)
}

func TestResolvePausedSessionClearsAutoResume(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)
	sess, err := s.CreateSession(p.ID, 2, TypeCoding, "sonnet")
	require.NoError(t, err)

	ps := &PausedSession{
		SessionID:     sess.ID,
		ProjectID:     p.ID,
		Reason:        "retry limit hit",
		PauseType:     PauseRetryLimit,
		CanAutoResume: true,
	}
	require.NoError(t, s.CreatePausedSession(ps))

	require.NoError(t, s.ResolvePausedSession(ps.ID, "alice", "freed the port"))

	got, err := s.GetPausedSessionAny(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Resolved)
	assert.False(t, got.CanAutoResume, "resolution must always clear can_auto_resume")
	assert.Equal(t, "alice", got.ResolvedBy)
	assert.NotNil(t, got.ResolvedAt)

	// Second resolution is rejected.
	assert.ErrorIs(t, s.ResolvePausedSession(ps.ID, "bob", "again"), ErrAlreadyResolved)

	// No unresolved pause remains.
	open, err := s.GetPausedSession(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestRecoveryAttemptsAppend(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)
	sess, err := s.CreateSession(p.ID, 1, TypeCoding, "sonnet")
	require.NoError(t, err)
	cp := &Checkpoint{SessionID: sess.ID, ProjectID: p.ID, Type: CheckpointTaskCompletion, Transcript: "t", CanResumeFrom: true}
	require.NoError(t, s.CreateCheckpoint(cp))

	var first string
	for _, method := range []string{RecoveryManual, RecoveryAutomatic} {
		ra := &RecoveryAttempt{
			CheckpointID: cp.ID,
			SessionID:    sess.ID,
			Method:       method,
			Status:       RecoveryPending,
		}
		require.NoError(t, s.RecordRecoveryAttempt(ra))
		if first == "" {
			first = ra.ID
		}
	}
	require.NoError(t, s.IncrementRecoveryCount(cp.ID))
	require.NoError(t, s.UpdateRecoveryAttemptStatus(first, RecoverySuccess))

	attempts, err := s.ListRecoveryAttempts(cp.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, RecoveryManual, attempts[0].Method)
	assert.Equal(t, RecoverySuccess, attempts[0].Status)
	assert.Equal(t, RecoveryPending, attempts[1].Status)

	got, err := s.GetCheckpoint(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RecoveryCount)
}

func TestTaskCounts(t *testing.T) {
	s := newTestStore(t)
	p, err := s.CreateProject("api", "/tmp/api", "docker", nil, false)
	require.NoError(t, err)
	e, err := s.CreateEpic(p.ID, "Auth", 0)
	require.NoError(t, err)

	t1, err := s.CreateTask(p.ID, e.ID, "login", 0)
	require.NoError(t, err)
	_, err = s.CreateTask(p.ID, e.ID, "logout", 1)
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskStatus(t1.ID, TaskCompleted))

	total, completed, err := s.TaskCounts(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, completed)
}
