package testkit

import (
	"bytes"
	"strings"
	"sync"

	"github.com/spf13/cobra"
)

// Cobra mutates shared flag annotations while rendering help and
// completions, so command executions are serialized.
var executeMu sync.Mutex

type Result struct {
	Stdout string
	Stderr string
}

func Execute(command *cobra.Command, stdin string, args ...string) (Result, error) {
	executeMu.Lock()
	defer executeMu.Unlock()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	command.SetOut(stdout)
	command.SetErr(stderr)
	command.SetIn(strings.NewReader(stdin))
	command.SetArgs(args)

	err := command.Execute()
	return Result{Stdout: stdout.String(), Stderr: stderr.String()}, err
}

// RegisteredPaths lists every user-facing command path below command.
func RegisteredPaths(command *cobra.Command) []string {
	var paths []string
	var walk func(*cobra.Command, string)
	walk = func(current *cobra.Command, prefix string) {
		for _, child := range current.Commands() {
			name := child.Name()
			if name == "help" || strings.HasPrefix(name, "__") {
				continue
			}
			path := strings.TrimSpace(prefix + " " + name)
			paths = append(paths, path)
			walk(child, path)
		}
	}
	walk(command, "")
	return paths
}
