package server

import (
	"io"
	"log"
	"os"
)

var (
	errorLog = log.New(os.Stderr, "[ERROR] ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "[DEBUG] ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// EnableDebugLogging routes debug output to stderr
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// SetLogOutput redirects both package loggers. Tests pass io.Discard.
func SetLogOutput(w io.Writer) {
	errorLog.SetOutput(w)
	debugLog.SetOutput(w)
}
