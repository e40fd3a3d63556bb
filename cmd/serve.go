package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luisdh8/ollama-ecomerce/internal/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var overridePort int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.build()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				a.cfg.Server.Port = overridePort
			}

			srv, err := server.New(a.cfg, server.Deps{
				Backend:   a.backend,
				Client:    a.client,
				Router:    a.router,
				Estimator: a.estimator,
				Logger:    a.logger,
			})
			if err != nil {
				return err
			}

			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&overridePort, "port", 0, "override server port from configuration")
	return cmd
}
