// stop.go implements "foreman stop": mark the project's running session
// interrupted. Meant for sessions orphaned by a dead foreman process; a live
// 'foreman run' is stopped with Ctrl-C instead.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foreman-dev/foreman/internal/store"
)

var stopCmd = &cobra.Command{
	Use:   "stop [project]",
	Short: "Interrupt the project's running session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	name, err := a.projectName(args)
	if err != nil {
		return err
	}

	project, err := a.store.GetProject(name)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project %q not found", name)
	}

	running, err := a.store.RunningSession(project.ID)
	if err != nil {
		return err
	}
	if running == nil {
		fmt.Printf("No running session for %q\n", name)
		return nil
	}

	if a.orch.StopSession(running.ID, "stopped by operator") {
		fmt.Printf("Stop requested for session %d\n", running.Number)
		return nil
	}

	// The owning process is gone; release the slot directly.
	if err := a.store.FinishSession(running.ID, store.StatusInterrupted, "stopped by operator", running.Metrics); err != nil {
		return err
	}
	fmt.Printf("Session %d marked interrupted\n", running.Number)
	return nil
}
