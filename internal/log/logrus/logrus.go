package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/ChamsBouzaiene/kiwi/internal/log"
)

type logger struct {
	entry *logrus.Entry
}

// NewLogrus returns a log.Logger backed by a logrus entry.
func NewLogrus(entry *logrus.Entry) log.Logger {
	return logger{entry: entry}
}

// New returns a log.Logger backed by a fresh logrus instance.
// debug enables debug-level output.
func New(debug bool) log.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return NewLogrus(logrus.NewEntry(l))
}

func (l logger) Infof(format string, args ...any)    { l.entry.Infof(format, args...) }
func (l logger) Warningf(format string, args ...any) { l.entry.Warningf(format, args...) }
func (l logger) Errorf(format string, args ...any)   { l.entry.Errorf(format, args...) }
func (l logger) Debugf(format string, args ...any)   { l.entry.Debugf(format, args...) }

func (l logger) WithValues(values log.Kv) log.Logger {
	return logger{entry: l.entry.WithFields(logrus.Fields(values))}
}
