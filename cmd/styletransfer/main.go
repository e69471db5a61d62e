// Package main provides the styletransfer CLI: training a fast style
// transfer network, exporting it, stylizing images and serving filters
// over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const version = "v0.1.0-dev"

const usage = `styletransfer - fast neural style transfer on Born

Usage:
  styletransfer <command> [flags]

Commands:
  train      Train a transformer network for one style image
  export     Export the latest checkpoint for serving
  infer      Stylize one image
  serve      Serve exported models over HTTP
  version    Show version

Run "styletransfer <command> -h" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "train":
		err = runTrain(ctx, rest, stderr)
	case "export":
		err = runExport(ctx, rest, stderr)
	case "infer":
		err = runInfer(ctx, rest, stderr)
	case "serve":
		err = runServe(ctx, rest, stderr)
	case "version", "-v", "--version":
		fmt.Fprintf(stdout, "styletransfer %s\n", version)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "interrupted")
		return 130
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
}
