package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	return mainWithIO(args, os.Stdin, os.Stdout, os.Stderr)
}

func mainWithIO(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printHelp(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:], stdin, stderr)
	case "queue":
		return queueCmd(args[2:], stdout, stderr)
	case "config":
		return configCmd(args[2:], stdout, stderr)
	case "version":
		return runVersionCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printHelp(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printHelp(stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "beacon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  beacon run [--config ./beacon.yaml] [--log-level info] [--pid-file ./beacon.pid] [--watch] [--debug-listen 127.0.0.1:9464] < events.jsonl")
	fmt.Fprintln(w, "  beacon queue inspect [--config ./beacon.yaml] [--json]")
	fmt.Fprintln(w, "  beacon queue flush [--config ./beacon.yaml] [--table NAME] [--timeout 30s]")
	fmt.Fprintln(w, "  beacon queue purge --table NAME [--config ./beacon.yaml]")
	fmt.Fprintln(w, "  beacon config validate [--config ./beacon.yaml] [--format json|text]")
	fmt.Fprintln(w, "  beacon version [--long] [--json]")
}
