package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "verifyd",
	Short:   "Editor-integrated verification service",
	Long:    "verifyd speaks JSON-RPC with the editor on stdio, supervises the verification engine, and runs one verification at a time.",
	Version: version,
	RunE:    runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
