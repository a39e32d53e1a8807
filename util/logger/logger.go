package logger

import (
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// L is the shared logger for the storage engine packages.
var L = &logrus.Logger{
	Out:   os.Stderr,
	Level: level(),
	Formatter: &prefixed.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	},
}

func level() logrus.Level {
	if lvl, err := logrus.ParseLevel(os.Getenv("GBPTREE_LOG_LEVEL")); err == nil {
		return lvl
	}
	return logrus.WarnLevel
}

// Component returns an entry tagged with the component name, rendered as the
// prefix by the formatter.
func Component(name string) *logrus.Entry {
	return L.WithField("prefix", name)
}
