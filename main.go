// Package main is the entry point of the reporting pipeline service.
// The pipeline runner is embedded: starting the binary starts the
// scheduler, the ops HTTP surface, and (in replica mode) the CDC replica
// applier. All operational behavior is configured through flags,
// REPORTING_ environment variables, or a .reporting-etl.yaml file.
package main

import (
	"reporting.bionicpro.org/cli"
)

func main() {
	cli.Execute()
}
