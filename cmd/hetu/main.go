// Command hetu is the server binary: start runs the WebSocket/HTTP
// listener, migrate applies the catalog schema, shell opens a diagnostic
// REPL against a live backend. Subcommand dispatch follows the teacher's
// cmd/slctl style (flag.NewFlagSet + switch), exit codes follow spec.md
// §6: 0 normal, 1 config error, 2 backend error, 3 migration required.
package main

import (
	"context"
	"fmt"
	"os"
)

const (
	exitOK             = 0
	exitConfigError    = 1
	exitBackendError   = 2
	exitMigrationError = 3
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: hetu <start|migrate|shell> [flags]")
		return exitConfigError
	}

	switch args[0] {
	case "start":
		return runStart(ctx, args[1:])
	case "migrate":
		return runMigrate(ctx, args[1:])
	case "shell":
		return runShell(ctx, args[1:])
	case "-h", "--help", "help":
		fmt.Fprintln(os.Stderr, "usage: hetu <start|migrate|shell> [flags]")
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "hetu: unknown command %q\n", args[0])
		return exitConfigError
	}
}
