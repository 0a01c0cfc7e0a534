package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/sparselink/internal/cli/receiver"
	"github.com/sheerbytes/sparselink/internal/cli/sender"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}
	if hasVersionFlag(args) {
		fmt.Println("sparselink " + version)
		return
	}

	cmdName := args[0]
	switch cmdName {
	case "send":
		sender.Run(args[1:])
	case "recv":
		receiver.Run(args[1:])
	default:
		if hasHelpFlag(args) {
			printUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmdName)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: sparselink <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  send  offer files until the receiver acknowledges every chunk")
	fmt.Fprintln(os.Stderr, "  recv  reassemble incoming files into a directory")
	fmt.Fprintln(os.Stderr, "run 'sparselink <command> -h' for command flags")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" || arg == "help" {
			return true
		}
	}
	return false
}
