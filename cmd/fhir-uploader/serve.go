package main

import (
	"github.com/spf13/cobra"

	"github.com/gofhir/uploader/pipeline"
	"github.com/gofhir/uploader/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve uploads over HTTP",
		Long: `serve accepts uploads over HTTP and streams their progress.

  POST /upload             upload and stream events as NDJSON
  POST /runs               start an upload in the background
  GET  /runs/{id}/events   follow a run over a websocket`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.cfg.Options()
			if err != nil {
				return err
			}
			controller, err := pipeline.New(opts, pipeline.WithLogger(a.log.Named("pipeline")))
			if err != nil {
				return err
			}
			srv, err := server.New(controller,
				server.WithLogger(a.log.Named("server")),
				server.WithMaxBody(a.cfg.Listen.MaxBody),
				server.WithRunHistory(a.cfg.Listen.RunHistory),
			)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return srv.ListenAndServe(ctx, a.cfg.Listen.Addr)
		},
	}
	addRunFlags(cmd.Flags())
	cmd.Flags().String("addr", ":8080", "listen address")
	return cmd
}
