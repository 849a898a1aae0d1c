// start.go implements "foreman start": run exactly one session.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foreman-dev/foreman/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start [project]",
	Short: "Run a single session",
	Long: `Run one session of the given type and exit. Unlike 'foreman run',
no auto-continue loop follows it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

var sessionTypeFlag string

func init() {
	startCmd.Flags().StringVar(&sessionTypeFlag, "type", store.TypeCoding, "Session type: initializer, coding or review")
}

func runStart(cmd *cobra.Command, args []string) error {
	switch sessionTypeFlag {
	case store.TypeInitializer, store.TypeCoding, store.TypeReview:
	default:
		return fmt.Errorf("unknown session type %q", sessionTypeFlag)
	}

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

	var sess *store.Session
	if sessionTypeFlag == store.TypeInitializer {
		sess, err = a.orch.StartInitialization(ctx, name)
	} else {
		sess, err = a.orch.StartSession(ctx, name, sessionTypeFlag, nil)
	}
	if err != nil {
		return reportSessionError(err)
	}

	fmt.Printf("Session %d (%s) finished: %s\n", sess.Number, sess.Type, sess.Status)
	if sess.Error != "" {
		fmt.Printf("  %s\n", sess.Error)
	}
	if sess.Status == store.StatusBlocked {
		fmt.Println("Session is blocked; 'foreman resume' once the blocker is resolved.")
	}
	return nil
}
