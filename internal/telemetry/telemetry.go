// Package telemetry sets up the structured, leveled logging shared by every
// subsystem: every entry carries a "component" field set through logrus's
// WithField.
package telemetry

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Component names used as the "component" field across subsystems. Keeping
// them as constants avoids typos scattering inconsistent values into logs.
const (
	ComponentStore    = "store"
	ComponentReqAuth  = "reqauth"
	ComponentIdentity = "identity"
	ComponentPrekey   = "prekey"
	ComponentSession  = "session"
	ComponentRouter   = "router"
	ComponentHost     = "host"
)

// Init configures the global logrus logger. Called once from cmd/server.
func Init(level logrus.Level, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
}

// For returns a *logrus.Entry pre-populated with the given component, the
// unit every subsystem logs through instead of the bare package-level
// logrus functions.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
