// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"github.com/alecthomas/kingpin/v2"
	log "github.com/sirupsen/logrus"
)

// LoggerConfig wires the global log level flag. Its PreAction must run
// before any command body, so register it first.
type LoggerConfig struct {
	Level string
}

func (l *LoggerConfig) Register(app *kingpin.Application) {
	app.Flag("log.level", "Set the log level.").
		Default("info").
		EnumVar(&l.Level, "debug", "info", "warn", "error", "fatal", "panic")
	app.PreAction(l.setup)
}

func (l *LoggerConfig) setup(_ *kingpin.ParseContext) error {
	lvl, err := log.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}
