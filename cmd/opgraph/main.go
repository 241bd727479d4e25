// Command opgraph runs declarative superstep graphs from the command line
// and serves them to MCP clients.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/opgraph/pkg/schema"
)

const usage = `usage: opgraph <command> [flags]

commands:
  run          run a graph file once
  resume       restore a run from a checkpoint and continue it
  checkpoints  list stored checkpoint IDs, or delete one with -delete
  diagram      render a graph file as mermaid, ascii, png or svg
  serve        serve the graphs dir over MCP (stdio) with cron triggers and an optional HTTP API
  init         write ~/.opgraph/settings.json
  version      print the version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1:], streams{in: os.Stdin, out: os.Stdout, err: os.Stderr})
	stop()
	os.Exit(code)
}

// dispatch runs the named subcommand and maps its error to an exit code.
func dispatch(ctx context.Context, args []string, std streams) int {
	if len(args) == 0 {
		fmt.Fprint(std.err, usage)
		return 2
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		err = cmdRun(ctx, rest, std)
	case "resume":
		err = cmdResume(ctx, rest, std)
	case "checkpoints":
		err = cmdCheckpoints(ctx, rest, std)
	case "diagram":
		err = cmdDiagram(ctx, rest, std)
	case "serve":
		err = cmdServe(ctx, rest, std)
	case "init":
		err = cmdInit(rest, std)
	case "version", "-v", "--version":
		printVersion(std.out)
	case "help", "-h", "--help":
		fmt.Fprint(std.out, usage)
	default:
		fmt.Fprintf(std.err, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	default:
		fmt.Fprintf(std.err, "Error: %v\n", err)
		if schema.IsCode(err, schema.ErrCodeValidation) {
			return 2
		}
		return 1
	}
}
