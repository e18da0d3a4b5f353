package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

// InitLogger replaces Log. Output goes to stderr so command output on stdout
// stays parseable.
func InitLogger(debug bool) {
	Log = logrus.New()
	Log.Out = os.Stderr

	if debug {
		Log.SetLevel(logrus.DebugLevel)
		Log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		Log.SetLevel(logrus.InfoLevel)
		Log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// Component returns an entry tagged with the component name. It falls back to
// a discarding logger when InitLogger has not been called.
func Component(name string) *logrus.Entry {
	if Log == nil {
		return Discard().WithField("component", name)
	}
	return Log.WithField("component", name)
}

// Discard returns a logger that drops everything. Library packages use it
// until the caller injects a real one.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.PanicLevel)
	return l
}
