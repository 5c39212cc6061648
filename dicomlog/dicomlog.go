// Package dicomlog builds the logrus logger every other package in this
// module logs through, grounded on nsmfoo-dicompot's logInit: a colorized
// text console for interactive use plus a rotating file sink for the
// high-volume PDU/dataset tracing toggles (config.Options.LogDataPDUs,
// LogDimseDatasets).
package dicomlog

import (
	"io"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	// Level is the minimum level logged to both console and file sinks.
	Level logrus.Level
	// FilePath, when non-empty, adds a rotating file sink at this path.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultOptions returns sensible rotation defaults (10MB/3 backups/7 days),
// matching nsmfoo-dicompot's rotatefilehook.RotateFileConfig values.
func DefaultOptions() Options {
	return Options{
		Level:      logrus.InfoLevel,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
	}
}

// New builds a *logrus.Logger writing a colorized text format to stdout
// and, when opts.FilePath is set, JSON lines to a lumberjack-rotated file.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(opts.Level)
	logger.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	out := io.Writer(colorable.NewColorableStdout())
	logger.SetOutput(out)

	if opts.FilePath != "" {
		logger.AddHook(&fileHook{
			level: opts.Level,
			formatter: &logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			},
			writer: &lumberjack.Logger{
				Filename:   opts.FilePath,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
			},
		})
	}

	return logger
}

// fileHook fans every entry at or above level out to a lumberjack-rotated
// file independent of the console formatter/output above.
type fileHook struct {
	level     logrus.Level
	formatter logrus.Formatter
	writer    io.Writer
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels[:h.level+1]
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

// WithConnID returns an entry scoped to one connection's log identity, so
// every line a Conn emits over its lifetime can be grepped out of a shared
// log by that one field. connID is a generated identifier unless
// config.Options.UseRemoteAEForLogName selects the peer's AE title instead.
func WithConnID(logger *logrus.Logger, connID string) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("conn", connID)
}
