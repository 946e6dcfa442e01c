package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <navigation|category|product> [id]",
	Short: "Queue a scrape if the target's data is missing or stale",
	Long: `Queue a scrape through the freshness policy. Fresh targets are left
alone unless --refresh is given, and a target with an open job reports
that job instead of queueing another. Jobs run in a separate
"catalog-mirror serve" process sharing the same database.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().Bool("refresh", false, "queue even if the data is fresh")
	enqueueCmd.Flags().Duration("wait", 0, "wait up to this long for the job to finish")
}

func parseTarget(args []string) (types.Target, error) {
	t, err := types.ParseTargetType(args[0])
	if err != nil {
		return types.Target{}, err
	}
	if t == types.TargetNavigation {
		return types.NavigationTarget(), nil
	}
	if len(args) < 2 || args[1] == "" {
		return types.Target{}, fmt.Errorf("%s target needs an id", t)
	}
	return types.Target{Type: t, ID: args[1]}, nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	target, err := parseTarget(args)
	if err != nil {
		logError("%v", err)
		return err
	}
	refresh, _ := cmd.Flags().GetBool("refresh")
	wait, _ := cmd.Flags().GetDuration("wait")

	a, err := newApp(cmd)
	if err != nil {
		logError("%v", err)
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	decision, err := a.policy.Request(ctx, target, refresh)
	if err != nil {
		logError("%v", err)
		return err
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", target, decision.Message)

	out := map[string]interface{}{"decision": decision}
	if decision.JobID == "" || wait <= 0 {
		return printJSON(out)
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	view, err := a.queue.Await(waitCtx, decision.JobID)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logError("%v", err)
		return err
	}
	out["job"] = view
	if err := printJSON(out); err != nil {
		return err
	}
	if view != nil && view.Status == types.JobFailed {
		logError("job %s failed after %d attempts: %s", view.ID, view.Attempts, view.LastError)
		return fmt.Errorf("job %s failed", view.ID)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
