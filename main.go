// Package main is the entry point for the ostrace device log client.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/ostrace/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
