// loop.go implements the auto-continue loop and the stale-session sweep.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/foreman-dev/foreman/internal/events"
	"github.com/foreman-dev/foreman/internal/store"
)

// StartInitialization runs the one-off initializer session (number 0) that
// plans the project. It never loops. A project that already has planning
// epics fails with ErrAlreadyInitialized.
func (o *Orchestrator) StartInitialization(ctx context.Context, projectName string) (*store.Session, error) {
	project, err := o.lookupProject(projectName)
	if err != nil {
		return nil, err
	}

	epics, err := o.store.CountEpics(project.ID)
	if err != nil {
		return nil, err
	}
	if epics > 0 {
		return nil, fmt.Errorf("%w: %s has %d epics", ErrAlreadyInitialized, projectName, epics)
	}

	return o.StartSession(ctx, projectName, store.TypeInitializer, nil)
}

// StartCodingSessions drives coding sessions back to back until the project
// completes, a session ends in a non-completed state, a stop is requested,
// or maxIterations sessions have run. A maxIterations of zero or less means
// no cap. Returns the last session that ran plus how many sessions executed.
func (o *Orchestrator) StartCodingSessions(ctx context.Context, projectName string, maxIterations int) (*store.Session, int, error) {
	project, err := o.lookupProject(projectName)
	if err != nil {
		return nil, 0, err
	}

	delay := time.Duration(o.cfg.Execution.IterationDelay) * time.Second

	o.ClearStop(projectName)
	iterations := 0
	var last *store.Session

	for {
		if o.stopRequested(projectName) || ctx.Err() != nil {
			o.log.Infow("auto-continue stopped", "project", projectName, "iterations", iterations)
			return last, iterations, nil
		}

		done, err := o.projectComplete(project.ID)
		if err != nil {
			return last, iterations, err
		}
		if done {
			o.finishProject(project, last)
			return last, iterations, nil
		}

		if maxIterations > 0 && iterations >= maxIterations {
			o.log.Infow("auto-continue hit iteration limit", "project", projectName, "iterations", iterations)
			return last, iterations, nil
		}

		if iterations > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return last, iterations, nil
			case <-time.After(delay):
			}
		}

		sess, err := o.StartSession(ctx, projectName, store.TypeCoding, nil)
		if err != nil {
			return last, iterations, err
		}
		iterations++
		last = sess

		if sess.Status != store.StatusCompleted {
			o.log.Infow("auto-continue halted by session outcome",
				"project", projectName, "session", sess.ID, "status", sess.Status)
			return last, iterations, nil
		}
	}
}

// projectComplete reports whether the project has tasks and all of them are
// completed.
func (o *Orchestrator) projectComplete(projectID string) (bool, error) {
	total, completed, err := o.store.TaskCounts(projectID)
	if err != nil {
		return false, err
	}
	return total > 0 && completed == total, nil
}

func (o *Orchestrator) finishProject(project *store.Project, last *store.Session) {
	if err := o.store.MarkProjectComplete(project.ID); err != nil {
		o.log.Errorw("project completion not persisted", "project", project.Name, "error", err)
	}
	if history, err := events.NewLogger(project.Dir); err == nil {
		_ = history.Append(events.LogEvent{Event: events.EventProjectCompleted})
	}
	o.log.Infow("project complete", "project", project.Name)

	if o.quality != nil && last != nil {
		o.quality(last.ID, 1.0, true)
	}
}

// StaleThreshold returns the heartbeat age past which a running session of
// the given type is considered dead.
func StaleThreshold(sessionType string) time.Duration {
	switch sessionType {
	case store.TypeInitializer:
		return 30 * time.Minute
	case store.TypeReview:
		return 5 * time.Minute
	}
	return 10 * time.Minute
}

// CleanupStaleSessions flips running sessions with an expired heartbeat to
// interrupted. Returns the ids of the sessions it interrupted.
func (o *Orchestrator) CleanupStaleSessions(ctx context.Context) ([]string, error) {
	running, err := o.store.ListRunningSessions()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var interrupted []string
	var errs *multierror.Error

	for _, sess := range running {
		last := sess.CreatedAt
		if sess.LastHeartbeat != nil {
			last = *sess.LastHeartbeat
		} else if sess.StartedAt != nil {
			last = *sess.StartedAt
		}

		age := now.Sub(last)
		if age <= StaleThreshold(sess.Type) {
			continue
		}

		reason := fmt.Sprintf("stale heartbeat: no beat for %s", age.Round(time.Second))
		if err := o.store.FinishSession(sess.ID, store.StatusInterrupted, reason, sess.Metrics); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}
		interrupted = append(interrupted, sess.ID)
		o.log.Warnw("stale session interrupted",
			"session", sess.ID, "type", sess.Type, "age", age.Round(time.Second))

		if project, perr := o.store.GetProjectByID(sess.ProjectID); perr == nil && project != nil {
			if history, herr := events.NewLogger(project.Dir); herr == nil {
				_ = history.Append(events.LogEvent{
					Event:         events.EventStaleInterrupted,
					SessionID:     sess.ID,
					SessionNumber: sess.Number,
					SessionType:   sess.Type,
					Reason:        reason,
				})
			}
		}
	}

	return interrupted, errs.ErrorOrNil()
}
