// Command authrimd runs the authorization server. Grounded on dex's
// cmd/dex/main.go + poke.go root-command wiring: a cobra root with
// "serve" and "version" subcommands.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("authrimd Version: %s\nGo Version: %s\nGo OS/ARCH: %s %s\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use: "authrimd",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
