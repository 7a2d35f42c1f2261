package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bitkv/bitkv/engine"
	"github.com/bitkv/bitkv/server"
)

func main() {
	var (
		addr       string
		engineName string
		path       string
		workers    int
	)

	cmd := &cobra.Command{
		Use:           "kvs-server",
		Short:         "Serve a key-value store over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 1 {
				return fmt.Errorf("--workers must be positive, got %d", workers)
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync() // nolint:errcheck

			eng, err := engine.Open(path, engineName, logger)
			if err != nil {
				logger.Error("open engine", zap.String("engine", engineName), zap.Error(err))
				return err
			}

			srv, err := server.New(addr, eng, workers, logger)
			if err != nil {
				_ = eng.Close()
				logger.Error("start server", zap.Error(err))
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("shutting down", zap.Stringer("signal", sig))
				srv.Shutdown()
			}()

			serveErr := srv.Serve()
			srv.Shutdown()

			if err := eng.Close(); err != nil {
				logger.Error("close engine", zap.Error(err))
				return err
			}

			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:4000", "listen address HOST:PORT")
	cmd.Flags().StringVar(&engineName, "engine", engine.Kvs, "storage engine: kvs|bolt")
	cmd.Flags().StringVar(&path, "path", ".", "data directory")
	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "request handling pool size")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
