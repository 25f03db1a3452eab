package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/crmarques/fabricsync/faults"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"
)

const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// Command annotations read by the root command.
const (
	// AnnotationTextOnly marks commands whose output cannot be structured.
	AnnotationTextOnly = "fabricsync/text-only"
	// AnnotationStatusLine marks commands that end with an [OK] or [ERROR]
	// line on stderr.
	AnnotationStatusLine = "fabricsync/status-line"
)

// MarkTextOnly tags command with AnnotationTextOnly.
func MarkTextOnly(command *cobra.Command) *cobra.Command {
	return annotate(command, AnnotationTextOnly)
}

// MarkStatusLine tags command with AnnotationStatusLine.
func MarkStatusLine(command *cobra.Command) *cobra.Command {
	return annotate(command, AnnotationStatusLine)
}

// HasAnnotation reports whether command carries the boolean annotation key.
func HasAnnotation(command *cobra.Command, key string) bool {
	if command == nil {
		return false
	}
	return command.Annotations[key] == "true"
}

func annotate(command *cobra.Command, key string) *cobra.Command {
	if command.Annotations == nil {
		command.Annotations = map[string]string{}
	}
	command.Annotations[key] = "true"
	return command
}

// ValidateOutputFormat checks format against the formats command can
// produce.
func ValidateOutputFormat(command *cobra.Command, format string) error {
	switch format {
	case "", OutputText:
		return nil
	case OutputJSON, OutputYAML:
		if HasAnnotation(command, AnnotationTextOnly) {
			return faults.Validation(fmt.Sprintf("%s supports only text output", command.CommandPath()), nil)
		}
		return nil
	default:
		return faults.Validation(fmt.Sprintf("invalid output format %q: use text, json, or yaml", format), nil)
	}
}

// WriteOutput renders value to the command's stdout. renderText handles the
// text format; a nil value prints nothing.
func WriteOutput[T any](command *cobra.Command, format string, value T, renderText func(io.Writer, T) error) error {
	if isNil(value) {
		return nil
	}
	out := command.OutOrStdout()

	switch format {
	case "", OutputText:
		if renderText == nil {
			_, err := fmt.Fprintln(out, value)
			return err
		}
		return renderText(out, value)
	case OutputJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case OutputYAML:
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(value); err != nil {
			return err
		}
		if err := encoder.Close(); err != nil {
			return err
		}
		_, err := out.Write(buf.Bytes())
		return err
	default:
		return faults.Validation(fmt.Sprintf("invalid output format %q: use text, json, or yaml", format), nil)
	}
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return reflected.IsNil()
	}
	return false
}
