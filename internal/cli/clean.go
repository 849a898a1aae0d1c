// clean.go implements "foreman clean": sweep sessions whose heartbeat
// expired, usually left behind by a crashed foreman process.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Interrupt stale sessions",
	Long: `Mark running sessions whose heartbeat has expired as interrupted.
Thresholds depend on session type: planning sessions get 30 minutes,
coding 10, review 5.

With --invalidate, additionally mark a checkpoint (and every earlier one
in its session) invalid so resume skips it.`,
	RunE: runClean,
}

var (
	invalidateFlag string
	reasonFlag     string
)

func init() {
	cleanCmd.Flags().StringVar(&invalidateFlag, "invalidate", "", "Checkpoint id to invalidate")
	cleanCmd.Flags().StringVar(&reasonFlag, "reason", "manually invalidated", "Reason recorded on the invalidated checkpoint")
}

func runClean(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if invalidateFlag != "" {
		if err := a.orch.Checkpoints().Invalidate(invalidateFlag, reasonFlag); err != nil {
			return err
		}
		fmt.Printf("Invalidated checkpoint %s and its predecessors\n", invalidateFlag)
	}

	interrupted, err := a.orch.CleanupStaleSessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(interrupted) == 0 {
		fmt.Println("No stale sessions.")
		return nil
	}
	for _, id := range interrupted {
		fmt.Printf("Interrupted stale session %s\n", id)
	}
	return nil
}
