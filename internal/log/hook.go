package log

import (
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
)

// RedirectToFile makes the loggers append to the file at path instead of
// writing to stdout. The admin tool uses it so that log lines do not mix with
// report output.
func RedirectToFile(loggers []*logrus.Logger, path string) error {
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	for _, l := range loggers {
		l.SetOutput(logFile)
	}

	runtime.SetFinalizer(logFile, func(f *os.File) {
		f.Close()
	})

	return nil
}
