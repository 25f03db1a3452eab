package kube

import (
	"fmt"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/itchyny/gojq"
)

func compileFilter(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, faults.Validation("invalid fabric ignore-filter", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, faults.Validation("invalid fabric ignore-filter", err)
	}
	return code, nil
}

// runFilter evaluates the ignore filter against a canonical object. The
// filter must yield exactly one object.
func runFilter(code *gojq.Code, object map[string]any) (map[string]any, error) {
	iter := code.Run(object)
	value, ok := iter.Next()
	if !ok {
		return nil, faults.Validation("fabric ignore-filter produced no output", nil)
	}
	if err, isErr := value.(error); isErr {
		return nil, faults.Validation("failed to evaluate fabric ignore-filter", err)
	}
	if _, more := iter.Next(); more {
		return nil, faults.Validation("fabric ignore-filter must produce a single value", nil)
	}

	normalized, err := manifest.NormalizeValue(value)
	if err != nil {
		return nil, err
	}
	filtered, ok := normalized.(map[string]any)
	if !ok {
		return nil, faults.Validation(fmt.Sprintf("fabric ignore-filter must produce an object, got %T", value), nil)
	}
	return filtered, nil
}
