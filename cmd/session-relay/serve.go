// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/session-relay/pkg/connector"
	"github.com/aiku/session-relay/pkg/sidecar"
)

func serveCmd() *cobra.Command {
	var configPath string
	var noUpdate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := connector.LoadConfig(configPath, !noUpdate)
			if err != nil {
				return err
			}
			log, err := cfg.Logging.Compile()
			if err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}
			exzerolog.SetupDefaults(log)
			log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting session relay")

			factory := sidecar.Factory(cfg.Protocol.SidecarURL, time.Duration(cfg.Protocol.RequestTimeout)*time.Second, *log)
			svc, err := connector.NewService(cfg, factory, *log)
			if err != nil {
				return err
			}
			if err := svc.Start(); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			log.Info().Msg("Shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return svc.Stop(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	cmd.Flags().BoolVar(&noUpdate, "no-update", false, "don't write the upgraded config back to disk")
	return cmd
}
