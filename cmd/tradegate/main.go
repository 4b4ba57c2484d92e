package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Mindburn-Labs/tradegate/pkg/api"
	"github.com/Mindburn-Labs/tradegate/pkg/audit"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is swapped out in tests.
var startServer = runServe

// Run dispatches a subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "tradegate %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "tradegate %s: guarded execution gateway for trading agents\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  tradegate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	_, _ = fmt.Fprintln(w, "  serve          Run the gateway HTTP server (default)")
	_, _ = fmt.Fprintln(w, "  health         Check a running server (--url)")
	_, _ = fmt.Fprintln(w, "  verify-audit   Verify the hash chain of an exported audit CSV")
	_, _ = fmt.Fprintln(w, "  token          Mint an API bearer token (--subject, --role, --ttl)")
	_, _ = fmt.Fprintln(w, "  version        Print the version")
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	url := cmd.String("url", "http://localhost:8080", "Base URL of the gateway")
	timeout := cmd.Duration("timeout", 5*time.Second, "Request timeout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	resp, err := resty.New().SetTimeout(*timeout).R().Get(strings.TrimRight(*url, "/") + "/api/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	if resp.StatusCode() != 200 {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode())
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: tradegate verify-audit <export.csv>")
		return 2
	}
	f, err := os.Open(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = f.Close() }()

	entries, err := audit.ReadCSV(f)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := audit.Verify(entries); err != nil {
		_, _ = fmt.Fprintf(stderr, "FAILED: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK: %d entries, chain intact\n", len(entries))
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	subject := cmd.String("subject", "", "Token subject (REQUIRED)")
	role := cmd.String("role", api.RoleOperator, "Role: admin, operator or agent")
	ttl := cmd.Duration("ttl", 12*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}
	switch *role {
	case api.RoleAdmin, api.RoleOperator, api.RoleAgent:
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown role %q\n", *role)
		return 2
	}
	secret := os.Getenv("API_JWT_SECRET")
	if secret == "" {
		_, _ = fmt.Fprintln(stderr, "Error: API_JWT_SECRET is not set")
		return 2
	}
	tok, err := api.IssueToken([]byte(secret), *subject, *role, *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
