// Command planrunner is the Plan Runner's CLI entrypoint: wires a Block
// Registry, Configuration Store and Runner together over a directory of
// Plan documents, and exposes validate/dryrun/run/resume/version
// subcommands. Host applications embedding the Runner directly don't need
// this binary; it exists the way the teacher's cmd/opcode exists, as the
// standalone operational surface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "validate":
		err = runValidate(args)
	case "dryrun":
		err = runDryrun(args)
	case "run":
		err = runRun(args)
	case "resume":
		err = runResume(args)
	case "version":
		printVersion()
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "planrunner: unknown command %q\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "planrunner: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `planrunner is the Plan Runner CLI.

Usage:
  planrunner validate -plans <dir> -blocks <dir> -plan <id> [-config <path>...]
  planrunner dryrun    -plans <dir> -blocks <dir> -plan <id> [-config <path>...]
  planrunner run       -plans <dir> -blocks <dir> -plan <id> -base-dir <dir> [-vars <json>] [-run-id <id>]
  planrunner resume    -plans <dir> -blocks <dir> -plan <id> -base-dir <dir> -run-id <id> -submit <json>
  planrunner version`)
}
