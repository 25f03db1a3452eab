package fabric

import (
	"fmt"
	"io"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/cli/common"
	"github.com/crmarques/fabricsync/internal/normalizer"
	"github.com/spf13/cobra"
)

type ingestedFile struct {
	Path     string   `json:"path" yaml:"path"`
	Parsed   int      `json:"parsed" yaml:"parsed"`
	Created  int      `json:"created" yaml:"created"`
	Updated  int      `json:"updated" yaml:"updated"`
	Skipped  int      `json:"skipped" yaml:"skipped"`
	Archived bool     `json:"archived" yaml:"archived"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func NewIngestCommand(deps common.CommandDependencies, globalFlags *common.GlobalFlags) *cobra.Command {
	return common.MarkStatusLine(&cobra.Command{
		Use:   "ingest <fabric> <file>...",
		Short: "Add raw manifest files to a fabric and normalize them",
		Long: "Copy raw manifest files into the fabric inbox and normalize them into the managed store. " +
			"Use - to read one file from stdin. Rejected documents are reported and make the command fail.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(command *cobra.Command, args []string) error {
			files, err := common.ReadManifestFiles(command, args[1:])
			if err != nil {
				return err
			}

			return common.WithEngine(command.Context(), deps, globalFlags, func(engine common.Engine) error {
				results, err := engine.Ingest(command.Context(), args[0], files)
				if err != nil {
					return err
				}

				items := make([]ingestedFile, 0, len(results))
				rejected := 0
				for _, result := range results {
					items = append(items, ingestedFileFrom(result))
					rejected += len(result.Errors)
				}
				if err := common.WriteOutput(command, globalFlags.Output, items, renderIngested); err != nil {
					return err
				}
				if rejected > 0 {
					return faults.Validation(fmt.Sprintf("%d document(s) rejected", rejected), nil)
				}
				return nil
			})
		},
	})
}

func ingestedFileFrom(result normalizer.FileResult) ingestedFile {
	item := ingestedFile{
		Path:     result.Path,
		Parsed:   result.Parsed,
		Created:  result.Created,
		Updated:  result.Updated,
		Skipped:  result.Skipped,
		Archived: result.Archived,
		Warnings: result.Warnings,
	}
	for _, documentError := range result.Errors {
		item.Errors = append(item.Errors, documentError.String())
	}
	return item
}

func renderIngested(w io.Writer, items []ingestedFile) error {
	for _, item := range items {
		if _, err := fmt.Fprintf(w, "%s: %d parsed, %d created, %d updated, %d unchanged\n",
			item.Path, item.Parsed, item.Created, item.Updated, item.Skipped); err != nil {
			return err
		}
		for _, warning := range item.Warnings {
			if _, err := fmt.Fprintf(w, "  warning: %s\n", warning); err != nil {
				return err
			}
		}
		for _, message := range item.Errors {
			if _, err := fmt.Fprintf(w, "  error: %s\n", message); err != nil {
				return err
			}
		}
	}
	return nil
}
