package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve execute, generate, test and analytics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			n, err := a.svc.Warm(ctx)
			if err != nil {
				return err
			}
			if a.cfg.Server.JWTSecret == "" {
				a.log.Warn("server.jwt_secret is empty, requests are not authenticated")
			}
			a.log.Info("starting server",
				zap.String("addr", a.cfg.Server.Addr),
				zap.Int("replayed_results", n),
				zap.String("templates_version", a.svc.Registry().Current().Version.String()))
			fmt.Println(accentStyle.Render("forge listening on " + a.cfg.Server.Addr))

			srv := server.New(a.svc, server.Options{
				Auth:   server.NewJWTAuth(a.cfg.Server.JWTSecret),
				CORS:   a.cfg.Server.CORS,
				Logger: a.log.Named("server"),
			})
			return srv.Run(ctx, a.cfg.Server.Addr)
		})
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8420)")
	_ = v.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}
