// Command civicetl ingests a civic-incident CSV export into two relational
// tables (incident, locations) chunk by chunk, and reports on the result.
//
// Usage:
//
//	civicetl run      --config configs/pipelines/nyc311.json [--row-limit N] [--chunk-size N] [--report]
//	civicetl validate --config configs/pipelines/nyc311.json [--probe]
//	civicetl report   --config configs/pipelines/nyc311.json [--chart-width N]
//	civicetl schema   --config configs/pipelines/nyc311.json
package main

import (
	"fmt"
	"io"
	"os"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "civicetl/internal/storage/all"
)

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI with args and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "civicetl: %v\n", err)
		return exitCodeError
	}
	return exitCodeSuccess
}
