// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/metricsaudit/cardaudit/pkg/commands"
	"github.com/metricsaudit/cardaudit/pkg/version"
)

var (
	auditCommand commands.AuditCommand
	logConfig    commands.LoggerConfig
)

func main() {
	app := kingpin.New("cardaudit", "A command-line tool to audit Prometheus metric cardinality against Grafana dashboard and alert usage.")
	app.Version(version.Version)

	envVars := commands.NewEnvVarsWithPrefix("CARDAUDIT")

	// Register logger first so its PreAction runs before others
	logConfig.Register(app)
	auditCommand.Register(app, envVars)

	app.Command("version", "Get the version of the cardaudit CLI").Action(func(*kingpin.ParseContext) error {
		fmt.Fprint(os.Stdout, version.Template)
		version.CheckLatest()
		return nil
	})

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
