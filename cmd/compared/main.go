// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command compared serves the Compare v3 pipeline over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCompare/pkg/logging"
	"github.com/AleutianAI/AleutianCompare/services/compare/config"
	"github.com/AleutianAI/AleutianCompare/services/compare/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "compared:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:           "compared",
		Short:         "Serve the Compare v3 staged comparison pipeline",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if debug {
				cfg.Logging.Level = "debug"
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the compare YAML config (default $COMPARE_CONFIG)")
	cmd.Flags().StringVar(&addr, "addr", "", "Override server.addr")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging and gin debug mode")
	return cmd
}

// serve runs the service until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.LoggerConfig("compared"))
	log := logger.Slog()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Close()
		return err
	}

	srv := server.New(cfg.Server, a.handler, log)
	runErr := srv.Run(ctx)
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
	if a.watchDone != nil {
		select {
		case <-a.watchDone:
		case <-time.After(time.Second):
			log.Warn("flag watcher did not stop")
		}
	}
	log.Info("compare service stopped")
	_ = logger.Close()
	return runErr
}
