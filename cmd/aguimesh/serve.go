package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hupe1980/aguimesh"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured agents over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		ctx := cmd.Context()
		m, err := aguimesh.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := m.Close(context.WithoutCancel(ctx)); err != nil {
				m.Logger.Error("close store", "error", err)
			}
		}()
		return m.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}
