package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue active jobs whose worker is gone",
	Long: `Requeue jobs stuck in the active state. By default only jobs older
than queue.stale_active_ttl are touched; --all requeues every active job
and must only be used while no serve process is running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd)
		if err != nil {
			logError("%v", err)
			return err
		}
		defer a.Close()

		staleAfter := a.cfg.Queue.StaleActiveTTL
		if all, _ := cmd.Flags().GetBool("all"); all {
			staleAfter = 0
		}
		n, err := a.queue.Recover(cmd.Context(), staleAfter)
		if err != nil {
			logError("%v", err)
			return err
		}
		fmt.Printf("Requeued %d jobs\n", n)
		return nil
	},
}

func init() {
	recoverCmd.Flags().Bool("all", false, "requeue every active job")
}
