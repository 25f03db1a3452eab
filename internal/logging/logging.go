// Package logging builds the process logger: a logr.Logger backed by zap.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// New returns a logger writing to out at the configured level. Levels are
// the zap names (debug, info, warn, error); debug enables V(1) output.
func New(cfg config.LoggingConfig, out io.Writer) (logr.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), err
	}

	return crzap.New(
		crzap.UseDevMode(cfg.Development),
		crzap.Level(zap.NewAtomicLevelAt(level)),
		crzap.WriteTo(out),
	), nil
}

// Install makes log the logger of the Kubernetes client libraries too.
func Install(log logr.Logger) {
	ctrllog.SetLogger(log)
}

func parseLevel(value string) (zapcore.Level, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(value)
	if err != nil {
		return zapcore.InfoLevel, faults.Validation(fmt.Sprintf("invalid log level %q", value), err)
	}
	return level, nil
}
