package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	isDevelopment = false

	logFile *os.File = nil
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

// GetLogger returns a logger tagged with the unit name. Every component owns
// one of these instead of reaching for the global logger.
func GetLogger(unit string) zerolog.Logger {
	if !isDevelopment {
		return zerolog.New(multi(os.Stderr)).With().Timestamp().Str("unit", unit).Logger()
	}

	// Human-readable console output when developing locally.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339,
		FormatLevel: func(i any) string {
			return strings.ToUpper(fmt.Sprintf("[%5s]", i))
		},
		FormatCaller: func(i any) string {
			return filepath.Base(fmt.Sprintf("%s", i))
		},
		PartsExclude: []string{
			zerolog.TimestampFieldName,
		}}
	return zerolog.New(multi(consoleWriter)).Level(zerolog.TraceLevel).With().Timestamp().Str("unit", unit).Caller().Logger()
}

func multi(primary io.Writer) io.Writer {
	if logFile == nil {
		return primary
	}
	return zerolog.MultiLevelWriter(primary, logFile)
}

// SetDevelopment switches loggers created afterwards to console output.
func SetDevelopment(value bool) {
	isDevelopment = value
}

// SetLogFile mirrors log output into file in addition to stderr.
func SetLogFile(file *os.File) {
	logFile = file
}
