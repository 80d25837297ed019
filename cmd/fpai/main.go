// Command fpai runs the FinePrint AI analysis engine: document intake,
// change detection, the analysis pipeline, and compliance monitoring.
package main

import (
	"fmt"
	"io"
	"os"
)

// Version is stamped at build time.
var Version = "0.1.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServe(args[2:], stdout, stderr)
	case "migrate":
		return runMigrate(args[2:], stdout, stderr)
	case "patterns":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: fpai patterns <validate|sync>")
			return 2
		}
		return runPatternsCmd(args[2:], stdout, stderr)
	case "audit":
		if len(args) < 3 || args[2] != "verify" {
			_, _ = fmt.Fprintln(stderr, "Usage: fpai audit verify")
			return 2
		}
		return runAuditVerify(args[3:], stdout, stderr)
	case "purge":
		return runPurge(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "fpai %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sFinePrint AI Engine %s%s\n", ColorBold+ColorBlue, "v"+Version, ColorReset)
	fmt.Fprintf(w, "%sRead the fine print so your users don't have to.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  fpai <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "ENGINE")
	printCommand(w, "serve", "Run the analysis engine (default)")
	printCommand(w, "migrate", "Apply database schema migrations")

	printSection(w, "PATTERN LIBRARY")
	printCommand(w, "patterns", "Validate or sync the pattern library (validate/sync)")

	printSection(w, "DATA RIGHTS & AUDIT")
	printCommand(w, "purge", "Hard-delete one owner's data everywhere (--owner)")
	printCommand(w, "audit", "Verify the audit hash chain (verify)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
