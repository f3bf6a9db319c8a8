// Command perch is a terminal-resident orchestrator for a coding-agent
// subprocess. The default command opens the local REPL surface; perch serve
// runs headless instead, exposing the remote bridge surface as the
// conversation's only input source.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"perch/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "perch",
		Short:         "Conversational front-end for a coding-agent subprocess",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runREPL(settings)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to perch.yaml")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run headless with the remote bridge surface as the only input",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), settings)
		},
	}
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the perch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("perch", version)
		},
	})

	return root
}
