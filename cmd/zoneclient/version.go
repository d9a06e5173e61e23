package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"zoneclient/internal/transport"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version)
				return
			}
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Commit:     %s\n", commit)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("Transports: %s (default %s)\n", strings.Join(transport.Available(), ", "), transport.Default)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
