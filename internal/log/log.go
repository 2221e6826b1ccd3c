// Package log provides the plain stdlib-logger convention used across
// this module's components, matching the teacher's own
// pkg/database/client.go and pkg/batch/scheduler.go: a *log.Logger field
// set via a functional option, defaulting to a component-tagged prefix
// on the process's shared writer.
package log

import "log"

// New returns a *log.Logger tagged with "[component] " on the process's
// shared log writer, the same default every teacher component builds
// for itself.
func New(component string) *log.Logger {
	return log.New(log.Writer(), "["+component+"] ", log.LstdFlags)
}
