// resume.go implements "foreman resume": resolve a paused session or restore
// a checkpoint, then start a fresh session seeded with a resume prompt.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foreman-dev/foreman/internal/checkpoint"
	"github.com/foreman-dev/foreman/internal/intervention"
	"github.com/foreman-dev/foreman/internal/notify"
	"github.com/foreman-dev/foreman/internal/orchestrator"
	"github.com/foreman-dev/foreman/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [project]",
	Short: "Resume a paused or interrupted session",
	Long: `Resolve the project's paused session (or restore a specific
checkpoint) and start a new session that picks up from there. Resolving a
pause always requires this explicit command; paused sessions never restart
on their own.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

var (
	sessionFlag    string
	checkpointFlag string
	notesFlag      string
	noStartFlag    bool
)

func init() {
	resumeCmd.Flags().StringVar(&sessionFlag, "session", "", "Paused session id (default: the project's only unresolved pause)")
	resumeCmd.Flags().StringVar(&checkpointFlag, "checkpoint", "", "Restore this checkpoint id instead of resolving a pause")
	resumeCmd.Flags().StringVar(&notesFlag, "notes", "", "What was done to unblock the session")
	resumeCmd.Flags().BoolVar(&noStartFlag, "no-start", false, "Resolve the pause but do not start a session")
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	name, err := a.projectName(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	installInterrupt(cancel, func() { a.orch.RequestStop(name) })

	var prompt, attemptID string
	if checkpointFlag != "" {
		prompt, attemptID, err = restoreCheckpoint(a, checkpointFlag)
	} else {
		prompt, attemptID, err = resolvePause(a, name)
	}
	if err != nil {
		return err
	}

	if noStartFlag {
		fmt.Println("Resolved. Run 'foreman run' when ready to continue.")
		return nil
	}

	sess, err := a.orch.StartSession(ctx, name, store.TypeCoding, &orchestrator.ResumeContext{Prompt: prompt})
	if err != nil {
		return reportSessionError(err)
	}
	if attemptID != "" {
		if ferr := a.orch.Checkpoints().FinishRecovery(attemptID, sess.Status == store.StatusCompleted); ferr != nil {
			a.log.Warnw("recovery outcome not recorded", "attempt", attemptID, "error", ferr)
		}
	}
	fmt.Printf("Resumed session %d finished: %s\n", sess.Number, sess.Status)
	if sess.Error != "" {
		fmt.Printf("  %s\n", sess.Error)
	}
	return nil
}

// resolvePause finds the pause to resolve and builds the resume prompt. When
// --session is not given there must be exactly one unresolved pause. The
// second return is the pending recovery-attempt id when a checkpoint restore
// was folded in.
func resolvePause(a *app, projectName string) (string, string, error) {
	project, err := a.store.GetProject(projectName)
	if err != nil {
		return "", "", err
	}
	if project == nil {
		return "", "", fmt.Errorf("project %q not found", projectName)
	}

	sessionID := sessionFlag
	if sessionID == "" {
		pauses, err := a.store.ListUnresolvedPauses(project.ID)
		if err != nil {
			return "", "", err
		}
		switch len(pauses) {
		case 0:
			return "", "", fmt.Errorf("no unresolved pauses for %q", projectName)
		case 1:
			sessionID = pauses[0].SessionID
		default:
			fmt.Printf("%d unresolved pauses; pick one with --session:\n", len(pauses))
			for _, ps := range pauses {
				fmt.Printf("  %s  (%s) %s\n", ps.SessionID, ps.PauseType, ps.Reason)
			}
			return "", "", fmt.Errorf("ambiguous resume target")
		}
	}

	pauser := intervention.NewPauser(a.store, notify.New(a.cfg.Notify.WebhookURL, a.log), a.log)
	prompt, err := pauser.Resume(sessionID, "operator", notesFlag)
	if errors.Is(err, store.ErrNotPaused) {
		return "", "", fmt.Errorf("session %s has no unresolved pause", sessionID)
	}
	if err != nil {
		return "", "", err
	}

	// A resumable checkpoint carries more state than the pause record alone.
	attemptID := ""
	if cp, cperr := a.orch.Checkpoints().Resumable(sessionID); cperr == nil && cp != nil {
		if restore, rerr := a.orch.Checkpoints().RestoreFrom(cp.ID); rerr == nil {
			prompt = restore.Prompt + "\n" + prompt
			attemptID = restore.AttemptID
		}
	}
	return prompt, attemptID, nil
}

func restoreCheckpoint(a *app, checkpointID string) (string, string, error) {
	restore, err := a.orch.Checkpoints().RestoreFrom(checkpointID)
	if err != nil {
		var invalidated *checkpoint.InvalidatedError
		switch {
		case errors.Is(err, store.ErrCheckpointNotFound):
			return "", "", fmt.Errorf("checkpoint %s not found", checkpointID)
		case errors.As(err, &invalidated):
			return "", "", fmt.Errorf("checkpoint %s was invalidated: %s", checkpointID, invalidated.Reason)
		case errors.Is(err, checkpoint.ErrNotResumable):
			return "", "", fmt.Errorf("checkpoint %s is not resumable", checkpointID)
		}
		return "", "", err
	}
	fmt.Printf("Restoring checkpoint %d from session %s\n", restore.Checkpoint.Number, restore.Checkpoint.SessionID)
	return restore.Prompt, restore.AttemptID, nil
}
