// Command jobctl is the operator CLI for the bulk mail pipeline.
//
//	jobctl status <jobId>
//	jobctl enqueue --file request.json
//	jobctl queue stats
//	jobctl dlq redrive [--max N]
//	jobctl apikey hash --client <name> <secret>
//
// Configuration comes from the same environment (and .env file) as the
// services.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(connectRegistry).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
