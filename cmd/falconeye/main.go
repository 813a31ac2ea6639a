package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/falconeye/config"
	"github.com/mohammad-safakhou/falconeye/internal/gate"
	srv "github.com/mohammad-safakhou/falconeye/internal/server"
)

func main() {
	var root = &cobra.Command{Use: "falconeye"}

	var serveAddr string
	var configPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the reconnaissance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("FALCONEYE_HTTP_ADDR")
			}
			cfg := config.LoadConfig(configPath)
			return srv.Run(cfg, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serve.Flags().StringVar(&configPath, "config", "", "path to config file")

	var check = &cobra.Command{
		Use:   "check TARGET",
		Short: "Test a target against the safety gate without running anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := gate.New().Validate(args[0]); err != nil {
				return err
			}
			fmt.Printf("target %q is allowed\n", args[0])
			return nil
		},
	}

	root.AddCommand(serve, check)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
