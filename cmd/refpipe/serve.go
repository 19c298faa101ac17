package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmspricing/refpipe/internal/api"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the resolver and observability API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp("", false)
		if err != nil {
			return err
		}
		defer a.Close()

		host := serveHost
		if host == "" {
			host = a.Cfg.Server.Host
		}
		port := servePort
		if port == 0 {
			port = a.Cfg.Server.Port
		}

		srv := api.New(a.Resolver, a.Collector, a.Alerts, a.Runs, a.Cfg.Resolver, a.Log)
		return srv.ListenAndServe(fmt.Sprintf("%s:%d", host, port))
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind (default from config)")
	rootCmd.AddCommand(serveCmd)
}
