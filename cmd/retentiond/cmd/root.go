package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evermind-ai/retention"
	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/internal/mylog"
)

func newRootCmd() *cobra.Command {
	params := &struct {
		Port       int
		ConfigFile string
	}{}
	cmd := &cobra.Command{
		Use:   "retentiond",
		Short: "Memory retention service for autonomous agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			conf := config.NewConfig()
			if params.ConfigFile != "" {
				if err := conf.LoadFile(params.ConfigFile); err != nil {
					return err
				}
			}
			conf.ResolveEnv()

			logger := mylog.NewLogger(conf.Log.LogLevel, conf.Log.LogHandler)

			service, err := retention.NewService(ctx,
				retention.WithConfig(conf),
				retention.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			defer service.Close()

			service.Start(ctx)

			handler := newServerHandler(service, logger)

			logger.Info("server started", "port", params.Port)
			defer logger.Info("server stopped")

			server := &http.Server{
				Addr:    fmt.Sprintf(":%d", params.Port),
				Handler: handler,
				BaseContext: func(l net.Listener) context.Context {
					return ctx
				},
			}

			go func() {
				<-ctx.Done()
				if err := server.Shutdown(context.WithoutCancel(ctx)); err != nil {
					logger.Error("failed to shutdown server", "error", err)
				}
			}()

			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&params.Port, "port", "p", 3001, "Port to listen on")
	cmd.Flags().StringVarP(&params.ConfigFile, "config", "c", "", "Path to a YAML config file")

	return cmd
}

func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}
