// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint for the mqtt-bridge command.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/turtacn/mqtt-bridge/pkg/admin"
	"github.com/turtacn/mqtt-bridge/pkg/bridge"
	"github.com/turtacn/mqtt-bridge/pkg/config"
	"github.com/turtacn/mqtt-bridge/pkg/metrics"
	"github.com/turtacn/mqtt-bridge/pkg/storage"
	"github.com/turtacn/mqtt-bridge/pkg/storage/messages"
)

var version = "0.1.0"

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("✗"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mqtt-bridge",
		Short: "Bridge to MQTT brokers with durable subscriptions",
		Long: `mqtt-bridge keeps named connections to MQTT brokers and remembers their
subscriptions. Subscriptions acknowledged by a broker are saved and replayed
automatically the next time the same connection id connects.

Version: ` + version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newSubscriptionsCmd(&configPath),
		newConfigCmd(),
	)
	return rootCmd
}

func newServeCmd(configPath *string) *cobra.Command {
	var (
		adminAddr   string
		metricsAddr string
		noPersist   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and its admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if adminAddr != "" {
				cfg.Admin.Addr = adminAddr
			}
			if metricsAddr != "" {
				cfg.Metrics.Addr = metricsAddr
			}
			if noPersist {
				cfg.Persistence.Disabled = true
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin API listen address (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (overrides config)")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "keep subscriptions in memory only")
	return cmd
}

// openStore returns the subscription store described by cfg.
func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Persistence.Disabled {
		log.Println("[WARN] Persistence disabled; subscriptions will not survive a restart")
		return storage.NewMemStore(), nil
	}
	path, err := cfg.PersistencePath()
	if err != nil {
		return nil, err
	}
	return storage.NewFileStore(path), nil
}

func newBridge(cfg *config.Config) (*bridge.Bridge, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	return bridge.New(bridge.Options{
		Store:            store,
		Messages:         &messages.Config{Window: cfg.Messages.Window},
		ConnectTimeout:   cfg.Client.ConnectTimeout.Std(),
		OperationTimeout: cfg.Client.OperationTimeout.Std(),
	}), nil
}

func serve(cfg *config.Config) error {
	log.Printf("[INFO] Starting mqtt-bridge %s", version)

	b, err := newBridge(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go metrics.Serve(cfg.Metrics.Addr)
	}

	srv := admin.NewHTTPServer(cfg.Admin.Addr, b)
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// --- Wait for Shutdown Signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdownChan)

	var runErr error
	select {
	case sig := <-shutdownChan:
		log.Printf("[INFO] Received %s, shutting down", sig)
	case err := <-serveErr:
		runErr = fmt.Errorf("admin API failed: %w", err)
	}

	shutdown(srv, b)
	log.Println("[INFO] mqtt-bridge stopped")
	return runErr
}

// shutdown stops accepting API requests and waits for in-flight ones, then
// saves the subscriptions and closes every session.
func shutdown(srv *http.Server, b *bridge.Bridge) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[WARN] Admin API shutdown: %v", err)
	}

	if err := b.Shutdown(); err != nil {
		log.Printf("[ERROR] Failed to save subscriptions on shutdown: %v", err)
	}
}
