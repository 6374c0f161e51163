// Package main is the entry point for sitesnacker.
// sitesnacker turns a web page, or every page of a sitemap, into Markdown with
// AI descriptions of its images and transcripts of its audio.
package main

import (
	"fmt"
	"os"
	"strings"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// commands contains the known subcommands.
var commands = map[string]bool{
	"run": true, "fetch": true, "convert": true, "process": true, "registry": true,
	"help": true, "h": true,
}

// valueFlags take their value from the next argument when written without "=".
var valueFlags = map[string]bool{
	"--wait": true, "--timeout": true, "--config": true, "-c": true, "--output": true, "-o": true,
}

func main() {
	app := newCLIApp(os.Stdout, os.Stderr)
	if err := app.Run(normalizeArgs(os.Args)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// normalizeArgs makes "run" the default command and moves a command's flags
// ahead of its positional arguments, so "sitesnacker <url> --wait=5000"
// parses like "sitesnacker run --wait=5000 <url>".
func normalizeArgs(args []string) []string {
	if len(args) < 2 {
		return args
	}
	first := args[1]
	if strings.HasPrefix(first, "-") {
		return args
	}
	out := []string{args[0]}
	rest := args[1:]
	if commands[first] {
		out = append(out, first)
		rest = args[2:]
	} else {
		out = append(out, "run")
	}

	var flags, positional []string
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		switch {
		case a == "--":
			positional = append(positional, rest[i:]...)
			i = len(rest)
		case strings.HasPrefix(a, "-") && len(a) > 1:
			flags = append(flags, a)
			if valueFlags[a] && i+1 < len(rest) {
				flags = append(flags, rest[i+1])
				i++
			}
		default:
			positional = append(positional, a)
		}
	}
	out = append(out, flags...)
	return append(out, positional...)
}
