package cmd

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// initLogging configures the global logrus logger. Unknown values fall back
// to info level and text output.
func initLogging(level, format string) {
	log.SetOutput(os.Stderr)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		log.Warnf("Unknown log format %q, using text", format)
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.SetLevel(log.InfoLevel)
		log.Warnf("Unknown log level %q, using info", level)
		return
	}
	log.SetLevel(lvl)
}
