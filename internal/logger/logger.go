// Package logger builds the hclog logger used across shardlock and turns
// protocol events into log lines.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"shardlock/internal/protocol"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates the root logger. It is meant to be called once at startup; the
// returned closer releases the log file, if one was opened.
func New(config Config) (hclog.Logger, io.Closer, error) {
	level := hclog.LevelFromString(config.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	opts := &hclog.LoggerOptions{
		Name:       "shardlock",
		Level:      level,
		JSONFormat: strings.ToLower(config.Format) == "json",
	}
	var closer io.Closer = nopCloser{}
	switch strings.ToLower(config.OutputFile) {
	case "", "stderr":
		opts.Output = os.Stderr
	case "stdout":
		opts.Output = os.Stdout
	default:
		f, err := os.OpenFile(config.OutputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to open log file %s", config.OutputFile)
		}
		opts.Output = f
		closer = f
	}
	return hclog.New(opts), closer, nil
}

// EventLogger writes every protocol event at trace level and the events that
// change the course of a transaction (queueing, rollback, restart) at debug.
type EventLogger struct {
	log hclog.Logger
}

func NewEventLogger(l hclog.Logger) *EventLogger {
	return &EventLogger{log: l.Named("protocol")}
}

func (el *EventLogger) Observe(e protocol.Event) {
	m := e.Message
	args := []interface{}{
		"round", e.Round,
		"shard", e.Shard,
		"event", e.Kind.String(),
		"msg", m.Label(),
		"tx", m.Tx.String(),
	}

	switch {
	case e.Kind == protocol.EventIssued && m.Kind == protocol.RollbackForward:
		el.log.Debug("deadlock detected", append(args, "victim", m.Tx.ID)...)
	case e.Kind == protocol.EventIssued && m.Kind == protocol.RollbackBackward:
		el.log.Debug("rollback reached queued step", args...)
	case e.Kind == protocol.EventReceived && m.Kind == protocol.Blocked:
		el.log.Debug("blocked", append(args, "on", m.On.String(), "responsible", m.Responsible.ID)...)
	case e.Kind == protocol.EventSent && m.Kind == protocol.Execute && m.Tx.Cursor == 0:
		el.log.Debug("restarting", args...)
	default:
		el.log.Trace("event", args...)
	}
}
