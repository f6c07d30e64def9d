package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ineyio/tierrouter/server"
)

func newServeCmd(flags *globalFlags, defaultAddr string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the router over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := buildRouter(flags)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := r.Config()
			slog.Info("tierrouter: starting",
				"profile", cfg.Profile,
				"heavy", cfg.EnableHeavy,
				"atomicity", cfg.Atomicity,
				"providers", len(r.Health(ctx)),
			)
			return server.New(r, server.WithLogger(slog.Default())).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "listen address")
	return cmd
}
