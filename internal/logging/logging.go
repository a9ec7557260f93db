// Package logging configures the process-wide logrus logger every other
// package in the daemon logs through.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Init sets the global logger's level and formatter and returns a
// role-scoped entry every caller in that process should log through.
// verbose maps to DebugLevel, otherwise InfoLevel; role is attached to
// every record so a shared log stream (or journal) can be filtered by
// which of the three processes produced a line.
func Init(role string, verbose bool) *log.Entry {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	return log.WithField("role", role)
}
