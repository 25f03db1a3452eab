package reconciler

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/crmarques/fabricsync/internal/normalizer"
	"github.com/crmarques/fabricsync/store"
)

const maxRunErrors = 50

// Outcome is the result of one run stage. Failures are itemized
// per-resource or per-file failures; Fatal is set when the stage as a whole
// could not do its work. Drifted counts resources left drifted.
type Outcome struct {
	Stage     string
	Succeeded int
	Failures  []string
	Drifted   int
	Fatal     error
}

// Fold combines stage outcomes into the fabric status and the sync error
// shown to users. aborted is the run context error, if any.
//
// A run is in_sync only when nothing failed and nothing is drifted. A
// stage failure with no progress anywhere in the run is an error; every
// other failure, drift or abort is partial_sync.
func Fold(outcomes []Outcome, aborted error) (store.SyncStatus, string) {
	var (
		succeeded int
		failures  int
		drifted   int
		first     string
		fatal     []string
	)
	for _, outcome := range outcomes {
		succeeded += outcome.Succeeded
		drifted += outcome.Drifted
		failures += len(outcome.Failures)
		if first == "" && len(outcome.Failures) > 0 {
			first = outcome.Failures[0]
		}
		if outcome.Fatal != nil {
			fatal = append(fatal, fmt.Sprintf("%s: %v", outcome.Stage, outcome.Fatal))
		}
	}

	var parts []string
	if aborted != nil {
		parts = append(parts, fmt.Sprintf("run aborted: %v", aborted))
	}
	parts = append(parts, fatal...)
	if failures > 0 {
		parts = append(parts, fmt.Sprintf("%d failure(s), first: %s", failures, first))
	}
	if drifted > 0 {
		parts = append(parts, fmt.Sprintf("%d drifted resource(s) awaiting resolution", drifted))
	}
	message := strings.Join(parts, "; ")

	switch {
	case aborted != nil:
		return store.StatusPartialSync, message
	case len(fatal) > 0 && succeeded == 0:
		return store.StatusError, message
	case message != "":
		return store.StatusPartialSync, message
	default:
		return store.StatusInSync, ""
	}
}

// runErrors flattens stage failures into the run's error list.
func runErrors(outcomes []Outcome) []string {
	var messages []string
	for _, outcome := range outcomes {
		if outcome.Fatal != nil {
			messages = append(messages, fmt.Sprintf("%s: %v", outcome.Stage, outcome.Fatal))
		}
		messages = append(messages, outcome.Failures...)
	}
	if len(messages) > maxRunErrors {
		dropped := len(messages) - maxRunErrors
		messages = append(messages[:maxRunErrors], fmt.Sprintf("%d more error(s) omitted", dropped))
	}
	return messages
}

// recorder accumulates a stage Outcome from concurrent workers.
type recorder struct {
	mu  sync.Mutex
	out Outcome
}

func newRecorder(stage string) *recorder {
	return &recorder{out: Outcome{Stage: stage}}
}

func (r *recorder) succeed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Succeeded++
}

func (r *recorder) succeedN(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Succeeded += count
}

func (r *recorder) fail(subject string, err error) {
	r.failure(fmt.Sprintf("%s: %v", subject, err))
}

func (r *recorder) failure(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Failures = append(r.out.Failures, message)
}

func (r *recorder) drift() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Drifted++
}

func (r *recorder) fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Fatal = errors.Join(r.out.Fatal, err)
}

func (r *recorder) outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.out
	out.Failures = append([]string(nil), r.out.Failures...)
	return out
}

// tally counts per-resource work across the whole run.
type tally struct {
	mu        sync.Mutex
	processed int
	created   int
	updated   int
	skipped   int
	errored   int
	drifted   int
}

func (t *tally) process() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
}

func (t *tally) promoted(outcome normalizer.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case normalizer.Created:
		t.created++
	case normalizer.Updated:
		t.updated++
	default:
		t.skipped++
	}
}

func (t *tally) ingested(result normalizer.FileResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed += result.Parsed
	t.created += result.Created
	t.updated += result.Updated
	t.skipped += result.Skipped
	t.errored += len(result.Errors)
}

func (t *tally) fail() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errored++
}

func (t *tally) drift() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drifted++
}

func (t *tally) fill(run *store.SyncRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run.Processed = t.processed
	run.Created = t.created
	run.Updated = t.updated
	run.Skipped = t.skipped
	run.Errored = t.errored
	run.Drifted = t.drifted
}
