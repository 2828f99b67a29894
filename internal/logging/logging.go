// Package logging wires a shared logrus logger for every package in this
// module. Each subsystem gets a "component" field instead of a
// hand-rolled string prefix.
package logging

import "github.com/sirupsen/logrus"

// Logger is the package-wide logrus instance. Applications embedding this
// module may swap its output/level via logrus's own top-level setters, or
// replace it outright by assigning a differently-configured *logrus.Logger.
var Logger = logrus.StandardLogger()

// For returns a logger scoped to one component, e.g. For("broker").
func For(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// SetDebug toggles debug-level logging across the module, mirroring the
// `debug` field of config.Config.
func SetDebug(enabled bool) {
	if enabled {
		Logger.SetLevel(logrus.DebugLevel)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
}
