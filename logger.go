package auth

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
)

// LoggerName is the name of the base logger built by NewLogger.
const LoggerName = "vanguard"

// NewLogger builds the go-logger base used by applications embedding the
// store. Named children from GetLogger satisfy Logger. format is "json" or
// "text" (pretty console output).
func NewLogger(format, level string) *glog.BaseLogger {
	lvl := glog.Info
	switch strings.ToLower(level) {
	case "trace":
		lvl = glog.Trace
	case "debug":
		lvl = glog.Debug
	case "warn":
		lvl = glog.Warn
	case "error":
		lvl = glog.Error
	}

	if format == "json" {
		return glog.NewLogger(
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(lvl),
			glog.WithName(LoggerName),
			glog.WithAddSource(false),
			glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
		)
	}
	return glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(lvl),
		glog.WithName(LoggerName),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(goerrors.ToSlogAttributes),
	)
}

var _ Logger = glog.Logger(nil)
