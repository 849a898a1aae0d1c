// session.go implements the single-session state machine:
// pending -> running -> {completed | error | interrupted | blocked}.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/foreman-dev/foreman/internal/checkpoint"
	"github.com/foreman-dev/foreman/internal/events"
	"github.com/foreman-dev/foreman/internal/executor"
	"github.com/foreman-dev/foreman/internal/git"
	"github.com/foreman-dev/foreman/internal/intervention"
	"github.com/foreman-dev/foreman/internal/progress"
	"github.com/foreman-dev/foreman/internal/sandbox"
	"github.com/foreman-dev/foreman/internal/store"
)

// epicTestBlockMarker in an error message means the session hit an epic-level
// test failure that a human must look at. It maps to the blocked status, not
// error, and is never re-raised.
const epicTestBlockMarker = "Epic test failure blocked"

// ResumeContext seeds a session with a synthesized resume prompt instead of
// the standard prompt for its type.
type ResumeContext struct {
	Prompt string
}

// StartSession runs one session to a terminal state. It raises only for
// precondition violations that occur before any session row exists: unknown
// project, missing model, concurrency conflict. Every later failure is
// reported through the returned session's status field.
func (o *Orchestrator) StartSession(ctx context.Context, projectName, sessionType string, resume *ResumeContext) (*store.Session, error) {
	project, err := o.lookupProject(projectName)
	if err != nil {
		return nil, err
	}

	model := o.cfg.Models.ForSessionType(sessionType)
	if model == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingModel, sessionType)
	}

	// Fast-path check. The store's partial unique index closes the remaining
	// check-then-act race at the transition below.
	running, err := o.store.RunningSession(project.ID)
	if err != nil {
		return nil, err
	}
	if running != nil {
		return nil, &store.ConcurrencyConflictError{
			ProjectName:  project.Name,
			WinnerID:     running.ID,
			WinnerNumber: running.Number,
		}
	}

	number, err := o.store.NextSessionNumber(project.ID)
	if err != nil {
		return nil, err
	}

	sess, err := o.store.CreateSession(project.ID, number, sessionType, model)
	if err != nil {
		return nil, err
	}

	if err := o.store.TransitionRunning(sess.ID); err != nil {
		// Lost the race: leave no session row behind, surface the conflict.
		_ = o.store.DeleteSession(sess.ID)
		return nil, err
	}
	sess.Status = store.StatusRunning

	o.runSession(ctx, project, sess, resume)

	final, err := o.store.GetSession(sess.ID)
	if err != nil || final == nil {
		return sess, nil
	}
	return final, nil
}

// runSession owns everything after the running transition. It never returns
// an error: the terminal status lands on the session row through the
// guaranteed-cleanup defer, whatever happens in between.
func (o *Orchestrator) runSession(ctx context.Context, project *store.Project, sess *store.Session, resume *ResumeContext) {
	start := time.Now()

	history, histErr := events.NewLogger(project.Dir)
	if histErr != nil {
		o.log.Warnw("event history unavailable", "project", project.Name, "error", histErr)
	}
	appendEvent := func(ev events.LogEvent) {
		if history == nil {
			return
		}
		ev.SessionID = sess.ID
		ev.SessionNumber = sess.Number
		ev.SessionType = sess.Type
		if err := history.Append(ev); err != nil {
			o.log.Warnw("event not recorded", "event", ev.Event, "error", err)
		}
	}

	appendEvent(events.LogEvent{Event: events.EventSessionStarted})
	o.log.Infow("session started",
		"project", project.Name, "session", sess.ID, "number", sess.Number,
		"type", sess.Type, "model", sess.Model)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registerCancel(sess.ID, cancel)
	defer o.unregisterCancel(sess.ID)

	var metrics store.Metrics
	status := store.StatusError
	errMsg := ""

	// Guaranteed cleanup: the terminal status always lands on the row, and
	// the quality hook always fires, no matter how the body exited.
	defer func() {
		metrics.DurationMs = time.Since(start).Milliseconds()
		if err := o.store.FinishSession(sess.ID, status, errMsg, metrics); err != nil {
			o.log.Errorw("terminal status not persisted", "session", sess.ID, "error", err)
		}
		appendEvent(events.LogEvent{
			Event:      terminalEvent(status),
			Status:     status,
			Error:      errMsg,
			DurationMs: metrics.DurationMs,
			CostUSD:    metrics.CostUSD,
		})
		o.log.Infow("session finished",
			"session", sess.ID, "status", status, "duration_ms", metrics.DurationMs)
		if o.quality != nil {
			score := 0.0
			if status == store.StatusCompleted {
				score = 1.0
			}
			o.quality(sess.ID, score, false)
		}
	}()

	sb, err := o.startSandbox(runCtx, sess, project)
	if err != nil {
		errMsg = fmt.Sprintf("sandbox startup: %v", err)
		return
	}
	appendEvent(events.LogEvent{Event: events.EventSandboxStarted, Data: map[string]any{"name": sb.Name()}})
	defer func() {
		// Teardown still runs when the session context is already cancelled.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		sb.Stop(stopCtx)
		appendEvent(events.LogEvent{Event: events.EventSandboxStopped, Data: map[string]any{"name": sb.Name()}})
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		o.emitHeartbeat(gctx, sess.ID)
		return nil
	})
	g.Go(func() error {
		defer cancel() // ends the heartbeat when the body is done
		defer func() {
			if r := recover(); r != nil {
				status = store.StatusError
				errMsg = fmt.Sprintf("session body panicked: %v", r)
				o.log.Errorw("session body panicked", "session", sess.ID, "panic", r)
			}
		}()
		status, errMsg = o.consumeStream(gctx, project, sess, sb, resume, &metrics)
		return nil
	})
	_ = g.Wait()

	if status == store.StatusError && strings.Contains(errMsg, epicTestBlockMarker) {
		status = store.StatusBlocked
		if err := progress.RecordIncident(project.Dir, progress.Incident{
			SessionNumber: sess.Number,
			Error:         errMsg,
		}); err != nil {
			o.log.Warnw("incident note not recorded", "session", sess.ID, "error", err)
		}
	}
}

// startSandbox creates and starts the session's sandbox. Initializer
// sessions retry startup a bounded number of times with a fresh sandbox per
// attempt; other session types get a single attempt.
func (o *Orchestrator) startSandbox(ctx context.Context, sess *store.Session, project *store.Project) (sandbox.Sandbox, error) {
	scfg := sandbox.Config{
		Type:           project.SandboxType,
		Image:          o.cfg.Sandbox.Image,
		Network:        o.cfg.Sandbox.Network,
		Memory:         o.cfg.Sandbox.Memory,
		CPUs:           o.cfg.Sandbox.CPUs,
		Ports:          o.cfg.Sandbox.Ports,
		SessionType:    sess.Type,
		StartupTimeout: time.Duration(o.cfg.Sandbox.StartupTimeout) * time.Second,
	}
	if scfg.Type == "" {
		scfg.Type = o.cfg.Sandbox.Type
	}

	attempt := func() (sandbox.Sandbox, error) {
		sb, err := o.newSandbox(scfg, sess.ID, project.Dir, o.log)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := sb.Start(ctx); err != nil {
			o.log.Warnw("sandbox start attempt failed", "session", sess.ID, "error", err)
			return nil, err
		}
		return sb, nil
	}

	if sess.Type != store.TypeInitializer {
		return attempt()
	}

	tries := o.cfg.Execution.SandboxStartRetries
	if tries <= 0 {
		tries = 1
	}
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(tries)),
	)
}

// emitHeartbeat touches the session's liveness stamp on a fixed interval
// until the session context ends.
func (o *Orchestrator) emitHeartbeat(ctx context.Context, sessionID string) {
	interval := time.Duration(o.cfg.Execution.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.TouchHeartbeat(sessionID); err != nil {
				o.log.Warnw("heartbeat not recorded", "session", sessionID, "error", err)
			}
		}
	}
}

// consumeStream drives the executor and returns the terminal status plus
// error text. Intervention verdicts can short-circuit it to blocked
// mid-stream; cancellation converts to interrupted at stream boundaries.
func (o *Orchestrator) consumeStream(ctx context.Context, project *store.Project, sess *store.Session, sb sandbox.Sandbox, resume *ResumeContext, metrics *store.Metrics) (string, string) {
	router := sandbox.NewRouter(sb)
	tracker := intervention.NewRetryTracker(o.cfg.Execution.MaxRetries)
	detector := intervention.NewBlockerDetector()
	pauser := intervention.NewPauser(o.store, o.notifier, o.log)
	recovery := intervention.NewAutoRecoveryManager(router, project.Dir, o.log)

	req := executor.Request{
		Prompt:       o.buildPrompt(project, sess, resume),
		SystemPrompt: systemPrompt(sess.Type),
		Model:        sess.Model,
		WorkDir:      project.Dir,
	}
	stream, err := o.exec.Start(ctx, req)
	if err != nil {
		return store.StatusError, fmt.Sprintf("starting executor: %v", err)
	}
	defer stream.Close()

	var transcript strings.Builder
	toolResults := 0
	lastTool := ""
	toolCache := make(map[string]string)
	var completedTitles []string
	checkpointEvery := o.cfg.Execution.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = 10
	}

	pause := func(pauseType, reason string, blocker *intervention.Blocker) {
		snapshot := *sess
		snapshot.Metrics = *metrics
		if _, err := pauser.Pause(ctx, intervention.PauseRequest{
			Session:   &snapshot,
			Project:   project,
			Reason:    reason,
			PauseType: pauseType,
			Blocker:   blocker,
			Stats:     tracker.Stats(),
		}); err != nil {
			o.log.Warnw("pause workflow failed", "session", sess.ID, "error", err)
		}
		o.snapshotCheckpoint(sess, project, store.CheckpointError, transcript.String(), reason, *metrics, toolCache, completedTitles)
	}

	for {
		if o.stopRequested(project.Name) || ctx.Err() != nil {
			return store.StatusInterrupted, "stop requested"
		}

		ev, err := stream.Next()
		if err == io.EOF {
			return store.StatusError, "executor stream ended without a result"
		}
		if err != nil {
			if ctx.Err() != nil || o.stopRequested(project.Name) {
				return store.StatusInterrupted, "stop requested"
			}
			return store.StatusError, err.Error()
		}

		switch ev.Kind {
		case executor.KindText:
			metrics.MessageCount++
			transcript.WriteString(ev.Text)
			transcript.WriteString("\n")
			if sess.Type == store.TypeCoding {
				if titles := scanTaskCompletions(ev.Text); len(titles) > 0 {
					o.completeTasks(project.ID, titles)
					completedTitles = append(completedTitles, titles...)
				}
			}

		case executor.KindToolUse:
			metrics.ToolCount++
			lastTool = ev.Tool
			fmt.Fprintf(&transcript, "[tool:%s]\n", ev.Tool)
			if blocked, reason := tracker.TrackCommand(ev.Tool, ev.ToolInput); blocked {
				pause(store.PauseRetryLimit, reason, nil)
				return store.StatusBlocked, reason
			}

		case executor.KindToolResult:
			toolResults++
			if lastTool != "" {
				toolCache[lastTool] = clip(ev.Result, 500)
			}
			if ev.IsError {
				if blocked, reason := tracker.TrackError(ev.Result); blocked {
					pause(store.PauseRetryLimit, reason, nil)
					return store.StatusBlocked, reason
				}
				if found, blocker := detector.Check(ev.Result); found {
					// Advisory only: the pause happens either way.
					recovered, msg := recovery.Attempt(ctx, blocker)
					o.log.Infow("blocker detected",
						"session", sess.ID, "category", blocker.Category,
						"auto_recovery", recovered, "detail", msg)
					reason := fmt.Sprintf("blocker (%s): %s", blocker.Category, blocker.Message)
					pause(store.PauseCriticalError, reason, blocker)
					return store.StatusBlocked, reason
				}
			}
			if toolResults%checkpointEvery == 0 {
				o.snapshotCheckpoint(sess, project, store.CheckpointTaskCompletion, transcript.String(), "", *metrics, toolCache, completedTitles)
			}

		case executor.KindUsage:
			metrics.TokensIn += ev.InputTokens
			metrics.TokensOut += ev.OutputTokens

		case executor.KindSystem:
			o.log.Debugw("executor system event", "session", sess.ID, "detail", ev.Text)

		case executor.KindResult:
			metrics.TokensIn += ev.InputTokens
			metrics.TokensOut += ev.OutputTokens
			metrics.CostUSD += ev.CostUSD
			if ev.IsError {
				return store.StatusError, ev.Result
			}
			switch sess.Type {
			case store.TypeInitializer:
				// A planning session that yields no parseable plan failed:
				// completing it would leave the project forever unplanned.
				if err := o.persistPlan(project, transcript.String()+"\n"+ev.Result); err != nil {
					return store.StatusError, fmt.Sprintf("planning output: %v", err)
				}
			case store.TypeCoding:
				if titles := scanTaskCompletions(ev.Result); len(titles) > 0 {
					o.completeTasks(project.ID, titles)
					completedTitles = append(completedTitles, titles...)
				}
			}
			return store.StatusCompleted, ""
		}
	}
}

// snapshotCheckpoint records a checkpoint, logging failures instead of
// letting them kill the session.
func (o *Orchestrator) snapshotCheckpoint(sess *store.Session, project *store.Project, cpType, transcript, notes string, metrics store.Metrics, toolCache map[string]string, completed []string) {
	var revision string
	var modified []string
	if git.IsRepo(project.Dir) {
		revision, _ = git.CurrentRevision(project.Dir)
		modified, _ = git.ModifiedFiles(project.Dir)
	}

	_, err := o.checkpoint.Create(checkpoint.CreateRequest{
		SessionID:      sess.ID,
		ProjectID:      project.ID,
		Type:           cpType,
		Transcript:     transcript,
		CompletedTasks: completed,
		ToolCache:      toolCache,
		Metrics:        metrics,
		FilesModified:  modified,
		VCSRevision:    revision,
		Notes:          notes,
		CanResumeFrom:  true,
	})
	if err != nil {
		o.log.Warnw("checkpoint not recorded", "session", sess.ID, "type", cpType, "error", err)
	}
}

// clip bounds cached tool output.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func terminalEvent(status string) string {
	switch status {
	case store.StatusCompleted:
		return events.EventSessionCompleted
	case store.StatusInterrupted:
		return events.EventSessionInterrupted
	case store.StatusBlocked:
		return events.EventSessionBlocked
	}
	return events.EventSessionError
}
