package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ivlev/img2mind/internal/server"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the compile API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd, v, flagKeys{
				"server.addr":     "addr",
				"module.location": "module",
			})
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			return a.runServe(cmd)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("module", "", "compute module location")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command) error {
	cc, err := a.openCache(cmd)
	if err != nil {
		return err
	}
	if cc != nil {
		defer cc.Close()
	}

	compiler, err := a.newCompiler(cc)
	if err != nil {
		return err
	}
	defer compiler.Close(context.Background())

	srv := server.New(compiler, server.Options{
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Logger:         a.logger,
	})
	fmt.Fprintf(cmd.OutOrStdout(), "%s Listening on %s\n", cyan("[*]"), a.cfg.Server.Addr)

	err = srv.ListenAndServe(cmd.Context(), a.cfg.Server.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
