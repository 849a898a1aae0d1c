// run.go implements "foreman run": plan the project if needed, then drive
// coding sessions back to back until the project completes or something
// stops the loop.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foreman-dev/foreman/internal/orchestrator"
	"github.com/foreman-dev/foreman/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run [project]",
	Short: "Run the auto-continue loop",
	Long: `Run coding sessions back to back. If the project has no plan yet, a
planning session runs first. The loop ends when every task is complete,
a session fails, or the iteration limit is reached.

Ctrl-C once interrupts the current session cleanly; twice exits
immediately.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var maxIterationsFlag int

func init() {
	runCmd.Flags().IntVar(&maxIterationsFlag, "max-iterations", 0, "Session cap for this run (0 = configured default, negative = unlimited)")
}

func runRun(cmd *cobra.Command, args []string) error {
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

	project, err := a.store.GetProject(name)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project %q not found. Run 'foreman init' first", name)
	}

	epics, err := a.store.CountEpics(project.ID)
	if err != nil {
		return err
	}
	if epics == 0 {
		fmt.Println("No plan yet; running the planning session first...")
		sess, err := a.orch.StartInitialization(ctx, name)
		if err != nil {
			return reportSessionError(err)
		}
		fmt.Printf("Planning session %d finished: %s\n\n", sess.Number, sess.Status)
		if sess.Status != store.StatusCompleted {
			return fmt.Errorf("planning session ended %s: %s", sess.Status, sess.Error)
		}
	}

	limit := maxIterationsFlag
	if limit == 0 {
		limit = a.cfg.Execution.MaxIterations
	}

	fmt.Printf("Starting auto-continue loop for %q\n", name)
	last, iterations, err := a.orch.StartCodingSessions(ctx, name, limit)
	if err != nil {
		return reportSessionError(err)
	}

	final, gerr := a.store.GetProject(name)
	if gerr == nil && final != nil && final.CompletedAt != nil {
		fmt.Printf("\nProject %q complete after %d session(s).\n", name, iterations)
		return nil
	}
	fmt.Printf("\nLoop stopped after %d session(s).", iterations)
	if last != nil {
		fmt.Printf(" Last session ended %s.", last.Status)
	}
	fmt.Println(" 'foreman status' for details.")
	return nil
}

// installInterrupt wires two-stage Ctrl-C: the first signal asks the loop to
// stop at the next boundary, the second exits immediately.
func installInterrupt(cancel context.CancelFunc, requestStop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		fmt.Fprintln(os.Stderr, "\nInterrupt: finishing current session, Ctrl-C again to force quit")
		requestStop()
		cancel()
		<-ch
		fmt.Fprintln(os.Stderr, "Forced exit")
		os.Exit(130)
	}()
}

// reportSessionError makes precondition failures readable at the prompt.
func reportSessionError(err error) error {
	var conflict *store.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		return fmt.Errorf("session %d is already running for %s; 'foreman stop' or wait for it to finish",
			conflict.WinnerNumber, conflict.ProjectName)
	}
	if errors.Is(err, orchestrator.ErrAlreadyInitialized) {
		return fmt.Errorf("project is already planned; 'foreman run' continues from the existing plan")
	}
	return err
}
