// flowctl runs and inspects workflow documents locally, without the HTTP
// server.
//
// Usage:
//
//	flowctl [--json] [--models-file FILE] [--log-level LEVEL] <command> [flags]
//
// Commands:
//
//	run        Execute a workflow document
//	validate   Check a workflow document without running it
//	functions  List registered functions
//	models     List configured models
//	quick      Send one prompt to a model
package main

import (
	"fmt"
	"os"
)

// version is set with ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
