package commands

import (
	stderrors "errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kareemsasa3/catalog-mirror/internal/database"
	"github.com/kareemsasa3/catalog-mirror/internal/errors"
	"github.com/kareemsasa3/catalog-mirror/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show a job, the jobs of a target, or recent jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("type", "", "filter by target type")
	statusCmd.Flags().String("target", "", "filter by target id")
	statusCmd.Flags().String("state", "", "filter by status: waiting, active, completed, failed")
	statusCmd.Flags().Int("limit", 20, "maximum jobs to list")
	statusCmd.Flags().Bool("stats", false, "print job and catalog totals instead")
	statusCmd.Flags().Bool("json", false, "print JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		logError("%v", err)
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	asJSON, _ := cmd.Flags().GetBool("json")

	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		summary, err := a.db.GetAnalyticsSummary(ctx)
		if err != nil {
			return err
		}
		return printJSON(summary)
	}

	if len(args) == 1 {
		view, err := a.queue.Get(ctx, args[0])
		if stderrors.Is(err, errors.ErrJobNotFound) {
			logError("no job %s", args[0])
			return err
		}
		if err != nil {
			return err
		}
		return printJSON(view)
	}

	filter := database.JobFilter{}
	if raw, _ := cmd.Flags().GetString("type"); raw != "" {
		if filter.Type, err = types.ParseTargetType(raw); err != nil {
			logError("%v", err)
			return err
		}
	}
	filter.Target, _ = cmd.Flags().GetString("target")
	state, _ := cmd.Flags().GetString("state")
	filter.Status = types.JobStatus(state)
	filter.Limit, _ = cmd.Flags().GetInt("limit")

	jobs, err := a.queue.List(ctx, filter)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s:%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.Type, j.TargetID, j.Status, j.Attempts, humanize.Time(j.CreatedAt), j.ErrorKind)
	}
	return w.Flush()
}
