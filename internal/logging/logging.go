// Package logging configures the process-wide logrus logger and hands out
// per-component entries.
package logging

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Config selects where log messages go and how verbose they are
type Config struct {
	// File is the path of a rotating log file. Empty means stderr.
	File string `yaml:"file"`

	// MaxSize is the size in megabytes at which the log file is rotated
	MaxSize int `yaml:"maxSize"`

	// MaxAge is the number of days rotated files are kept
	MaxAge int `yaml:"maxAge"`

	// Verbose enables debug messages
	Verbose bool `yaml:"verbose"`
}

var rotating *lumberjack.Logger

// Setup applies the configuration to the standard logrus logger. It returns
// a function that closes the log file, if any.
func Setup(cfg Config) func() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.File == "" {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}

	rotating = &lumberjack.Logger{
		Filename: cfg.File,
		MaxSize:  cfg.MaxSize, // megabytes
		MaxAge:   cfg.MaxAge,  // days
	}
	logrus.SetOutput(rotating)
	logrus.WithField("file", cfg.File).Debug("Sending log messages to rotating file")
	return func() {
		logrus.SetOutput(os.Stderr)
		rotating.Close()
		rotating = nil
	}
}

// For returns a logger entry tagged with the component name
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// Discard returns an entry that drops every message. Used by tests and
// library callers that do not want output.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
