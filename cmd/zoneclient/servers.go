package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"zoneclient/internal/config"
	"zoneclient/internal/directory"
)

func serversCmd() *cobra.Command {
	var configPath string
	var baseURL string

	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List the zone servers known to the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if baseURL != "" {
				cfg.Directory.BaseURL = baseURL
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.RequestTimeout.Duration())
			servers, err := client.ActionServers(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tADDRESS\tZONE\tPRIMARY")
			for _, s := range servers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", s.ServerID, s.Addr(), s.Zone, s.IsPrimary)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "JSON or YAML configuration file")
	cmd.Flags().StringVar(&baseURL, "directory", "", "directory base URL")
	return cmd
}
