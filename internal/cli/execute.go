package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/cli/common"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Dependencies are the process-level hooks commands run against.
type Dependencies struct {
	OpenEngine func(ctx context.Context, configPath string) (common.Engine, error)
}

func (d Dependencies) commandDependencies() common.CommandDependencies {
	return common.CommandDependencies{
		OpenEngine: d.OpenEngine,
	}
}

// Execute runs the command line in os.Args and reports errors on stderr.
func Execute(deps Dependencies) error {
	return run(NewRootCommand(deps), os.Args[1:])
}

func run(root *cobra.Command, args []string) error {
	root.SetArgs(args)
	command, err := root.ExecuteC()
	stderr := root.ErrOrStderr()
	display := scanDisplayFlags(args)

	if !wantsStatusLine(command, display) {
		if err != nil {
			_, _ = fmt.Fprintln(stderr, strings.TrimSpace(err.Error()))
		}
		return err
	}
	writeStatusLine(stderr, command.Name(), err, colorEnabled(display, stderr))
	return err
}

// ExitCodeForError maps an error to the process exit code.
func ExitCodeForError(err error) int {
	if err == nil {
		return 0
	}

	var typedErr *faults.TypedError
	if !errors.As(err, &typedErr) {
		return 1
	}

	switch typedErr.Category {
	case faults.ValidationError:
		return 2
	case faults.NotFoundError:
		return 3
	case faults.AuthError:
		return 4
	case faults.ConflictError:
		return 5
	case faults.TransportError:
		return 6
	default:
		return 1
	}
}

type displayFlags struct {
	help     bool
	noStatus bool
	noColor  bool
}

// scanDisplayFlags reads the flags that shape error reporting straight from
// args, so they still apply when cobra fails before parsing its own flags.
func scanDisplayFlags(args []string) displayFlags {
	flags := pflag.NewFlagSet("display", pflag.ContinueOnError)
	flags.ParseErrorsWhitelist.UnknownFlags = true
	flags.SetOutput(io.Discard)

	var display displayFlags
	flags.BoolVarP(&display.help, "help", "h", false, "")
	flags.BoolVarP(&display.noStatus, "no-status", "n", false, "")
	flags.BoolVar(&display.noColor, "no-color", false, "")
	if err := flags.Parse(args); err != nil {
		for _, arg := range args {
			switch arg {
			case "--":
				return display
			case "-h", "--help":
				display.help = true
			case "-n", "--no-status":
				display.noStatus = true
			case "--no-color":
				display.noColor = true
			}
		}
	}
	return display
}

func wantsStatusLine(command *cobra.Command, display displayFlags) bool {
	if command == nil || !common.HasAnnotation(command, common.AnnotationStatusLine) {
		return false
	}
	return !display.help && !display.noStatus
}

func writeStatusLine(w io.Writer, name string, err error, color bool) {
	if err == nil {
		_, _ = fmt.Fprintf(w, "%s %s completed.\n", statusLabel("OK", color), name)
		return
	}
	_, _ = fmt.Fprintf(w, "%s %s failed: %s.\n", statusLabel("ERROR", color), name, strings.TrimSuffix(strings.TrimSpace(err.Error()), "."))
}

func statusLabel(status string, color bool) string {
	label := "[" + status + "]"
	if !color {
		return label
	}
	switch status {
	case "OK":
		return "\x1b[1;32m" + label + "\x1b[0m"
	case "ERROR":
		return "\x1b[1;31m" + label + "\x1b[0m"
	}
	return label
}

// colorEnabled is true only for a terminal stderr with neither NO_COLOR nor
// --no-color set.
func colorEnabled(display displayFlags, w io.Writer) bool {
	if display.noColor || strings.TrimSpace(os.Getenv("NO_COLOR")) != "" {
		return false
	}

	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(os.Getenv("TERM")))
	return term != "" && term != "dumb"
}
