package fabric

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/crmarques/fabricsync/internal/server"
)

const timeLayout = time.RFC3339

func renderRun(w io.Writer, run server.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "RUN\t%s\n", run.ID)
	fmt.Fprintf(tw, "OUTCOME\t%s\n", run.Outcome)
	fmt.Fprintf(tw, "TRIGGER\t%s\n", run.Trigger)
	fmt.Fprintf(tw, "DURATION\t%s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(tw, "PROCESSED\t%d\n", run.Processed)
	fmt.Fprintf(tw, "CREATED\t%d\n", run.Created)
	fmt.Fprintf(tw, "UPDATED\t%d\n", run.Updated)
	fmt.Fprintf(tw, "SKIPPED\t%d\n", run.Skipped)
	fmt.Fprintf(tw, "ERRORED\t%d\n", run.Errored)
	fmt.Fprintf(tw, "DRIFTED\t%d\n", run.Drifted)
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, message := range run.Errors {
		if _, err := fmt.Fprintf(w, "  - %s\n", message); err != nil {
			return err
		}
	}
	return nil
}

func renderStatusList(w io.Writer, items []server.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FABRIC\tENABLED\tSTATUS\tLAST SYNC\tERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", item.FabricID, item.Enabled, item.SyncStatus, formatTime(item.LastSync), oneLine(item.SyncError))
	}
	return tw.Flush()
}

func renderStatus(w io.Writer, status server.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "FABRIC\t%s\n", status.FabricID)
	fmt.Fprintf(tw, "ENABLED\t%t\n", status.Enabled)
	fmt.Fprintf(tw, "STATUS\t%s\n", status.SyncStatus)
	fmt.Fprintf(tw, "LAST SYNC\t%s\n", formatTime(status.LastSync))
	if status.SyncError != "" {
		fmt.Fprintf(tw, "ERROR\t%s\n", oneLine(status.SyncError))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if status.LatestRun == nil {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return renderRun(w, *status.LatestRun)
}

func renderResources(w io.Writer, items []server.Resource) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAMESPACE\tNAME\tSTATE\tSOURCE\tMESSAGE")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", item.Kind, item.Namespace, item.Name, item.State, item.Source, oneLine(item.ErrorMessage))
	}
	return tw.Flush()
}

func formatTime(value *time.Time) string {
	if value == nil {
		return "never"
	}
	return value.UTC().Format(timeLayout)
}

func oneLine(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
