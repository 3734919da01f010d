package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logFile *os.File

// initLogging follows the teacher's logging.go: a console writer plus an
// appended log file, fanned out through zerolog.MultiLevelWriter.
func initLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}

	logFilePath := os.Getenv("LOG_FILE")
	if logFilePath == "" {
		logFilePath = "syncored.log"
	}
	if dir := filepath.Dir(logFilePath); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			println("Error creating log directory: " + err.Error())
		}
	}

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		println("Error opening log file: " + err.Error())
	}
	multi := zerolog.MultiLevelWriter(consoleWriter, logFile)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()

	log.Info().Msgf("syncored v%s", VERSION)
}

func shutdownLogging() {
	if logFile != nil {
		if err := logFile.Close(); err != nil {
			println("Error closing log file: " + err.Error())
		}
	}
}
