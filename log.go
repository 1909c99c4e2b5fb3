package usbuart

import (
	"fmt"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/allbin/go-usbuart/internal/usbio"
)

// logger is the package logger. Libraries should stay quiet unless
// asked, so the default handler discards everything; callers opt in
// with SetLogger.
var logger log.Interface = &log.Logger{Handler: discard.Default, Level: log.InfoLevel}

// SetLogger routes library diagnostics to l. Passing nil restores the
// discarding default.
func SetLogger(l log.Interface) {
	if l == nil {
		l = &log.Logger{Handler: discard.Default, Level: log.InfoLevel}
	}
	logger = l
	usbio.SetLogger(l)
}

// SetLogLevel adjusts the level of the current logger when it is an
// *apex/log.Logger. It returns the previous level, or InfoLevel when
// the logger does not expose one.
func SetLogLevel(lvl log.Level) log.Level {
	if lg, ok := logger.(*log.Logger); ok {
		old := lg.Level
		lg.Level = lvl
		return old
	}
	return log.InfoLevel
}

// invalidParamf reports a validation failure; these never mutate state.
func invalidParamf(what string) error {
	logger.WithField("param", what).Error("invalid parameter")
	return fmt.Errorf("%w: %s", InvalidParam, what)
}
