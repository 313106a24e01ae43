package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		runPlan(args)
	case "validate":
		runValidate(args)
	case "render":
		runRender(args)
	case "history":
		runHistory(args)
	case "secret":
		runSecret(args)
	case "schedule":
		runSchedule(args)
	case "mcp":
		runMCP(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`angela - plan execution engine

Usage:
  angela <command> [flags]

Commands:
  run       execute a plan document
  validate  check a plan document without executing it
  render    print a Mermaid diagram of a plan
  history   list recorded runs
  secret    manage vault secrets (set, get, delete, list)
  schedule  manage recurring plan runs (add, list, rm)
  mcp       serve the MCP tool interface on stdio
  version   print the version

Environment:
  ANGELA_DB_PATH, ANGELA_LOG_LEVEL, ANGELA_POOL_SIZE, ANGELA_WORK_DIR,
  ANGELA_SANDBOX_TIMEOUT, ANGELA_SCHEDULER, ANGELA_UNSAFE_COMMANDS,
  ANGELA_VAULT_KEY
`)
}
