// Command specjet validates a running API against its OpenAPI contract.
package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitPass    = 0
	exitFail    = 1
	exitRuntime = 2
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return exitRuntime
	}

	switch args[1] {
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "specjet %s\n", version)
		return exitPass
	case "help", "-h", "--help":
		usage(stdout)
		return exitPass
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[1])
		usage(stderr)
		return exitRuntime
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: specjet <command> [flags]

Commands:
  validate   Validate a running API against its contract
  version    Print the version
  help       Show this help

Run "specjet validate -h" for validate flags. Every flag can also be set
with a SPECJET_* environment variable or a --config YAML file.

Exit codes: 0 gate passed, 1 gate failed, 2 runtime or configuration error.`)
}
