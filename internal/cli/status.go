// status.go implements "foreman status": project progress, recent sessions,
// unresolved pauses and the tail of the event history.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foreman-dev/foreman/internal/events"
	"github.com/foreman-dev/foreman/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show project and session status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var eventsFlag int

func init() {
	statusCmd.Flags().IntVar(&eventsFlag, "events", 5, "How many recent events to show (0 = none)")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	total, completed, err := a.store.TaskCounts(project.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Project: %s\n", project.Name)
	fmt.Printf("  dir:     %s\n", project.Dir)
	fmt.Printf("  sandbox: %s\n", project.SandboxType)
	switch {
	case project.CompletedAt != nil:
		fmt.Printf("  state:   complete (%s)\n", project.CompletedAt.Format(time.RFC3339))
	case total == 0:
		fmt.Println("  state:   not planned yet")
	default:
		fmt.Printf("  state:   %d/%d tasks complete\n", completed, total)
	}

	if total > 0 {
		tasks, terr := a.store.ListTasks(project.ID)
		if terr != nil {
			return terr
		}
		fmt.Println("\nTasks:")
		for _, task := range tasks {
			mark := " "
			if task.Status == store.TaskCompleted {
				mark = "x"
			}
			fmt.Printf("  [%s] %s\n", mark, task.Title)
		}
	}

	sessions, err := a.store.ListSessions(project.ID)
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		fmt.Println("\nSessions:")
		for _, sess := range sessions {
			line := fmt.Sprintf("  #%-3d %-12s %-11s", sess.Number, sess.Type, sess.Status)
			if sess.Metrics.DurationMs > 0 {
				line += fmt.Sprintf("  %6s", (time.Duration(sess.Metrics.DurationMs) * time.Millisecond).Round(time.Second))
			}
			if sess.Metrics.CostUSD > 0 {
				line += fmt.Sprintf("  $%.2f", sess.Metrics.CostUSD)
			}
			fmt.Println(line)
			if sess.Error != "" {
				fmt.Printf("       %s\n", sess.Error)
			}
			if sess.Status == store.StatusBlocked {
				if ps, perr := a.store.GetPausedSessionAny(sess.ID); perr == nil && ps != nil && ps.Resolved {
					fmt.Printf("       pause resolved by %s: %s\n", ps.ResolvedBy, ps.ResolutionNotes)
				}
			}
		}
	}

	pauses, err := a.store.ListUnresolvedPauses(project.ID)
	if err != nil {
		return err
	}
	if len(pauses) > 0 {
		fmt.Println("\nWaiting on a human:")
		for _, ps := range pauses {
			fmt.Printf("  session %s  (%s) %s\n", ps.SessionID, ps.PauseType, ps.Reason)
		}
		fmt.Println("  'foreman resume --notes \"...\"' once resolved.")
	}

	if eventsFlag > 0 {
		printRecentEvents(project.Dir, eventsFlag)
	}
	return nil
}

func printRecentEvents(dir string, n int) {
	history, err := events.NewLogger(dir)
	if err != nil {
		return
	}
	all, err := history.ReadAll()
	if err != nil || len(all) == 0 {
		return
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	fmt.Println("\nRecent events:")
	for _, ev := range all {
		line := fmt.Sprintf("  %s  %s", ev.Time.Format("15:04:05"), ev.Event)
		if ev.SessionID != "" {
			line += fmt.Sprintf(" (session %d)", ev.SessionNumber)
		}
		fmt.Println(line)
	}
}
