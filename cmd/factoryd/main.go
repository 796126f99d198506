package main

import (
	"fmt"
	"os"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "factoryd: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`factoryd - workspace orchestration daemon

Usage:
  factoryd <command> [flags]

Commands:
  serve        Run the orchestration daemon
  status       Print workspace status
  create       Create a workspace record
  init         Initialize a workspace (worktree, config, agent session)
  archive      Archive a workspace
  ratchet      Enable or disable the CI ratchet for a workspace
  config-init  Write a default config file

Run 'factoryd <command> --help' for command flags.`)
}
