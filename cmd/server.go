/*
Copyright 2025 Weavesync Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/weavehq/weavesync/api"
	"github.com/weavehq/weavesync/config"
	trace "github.com/weavehq/weavesync/internal/traces"
)

func initializeRouter(w *engineInstance) *gin.Engine {
	return api.NewAPI(w.engine).Router()
}

func initializeTracing(ctx context.Context) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, "WEAVESYNC")
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// serverCommands returns the command that runs the engine and its local
// control surface until interrupted.
func serverCommands(w *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the weavesync engine and control API",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			router := initializeRouter(w)

			cfg, err := config.Fetch()
			if err != nil {
				log.Fatal(err)
			}

			if cfg.EnableTelemetry {
				shutdown, err := initializeTracing(ctx)
				if err != nil {
					log.Printf("Tracing initialization error: %v", err)
				} else {
					defer func() {
						if err := shutdown(ctx); err != nil {
							log.Printf("Error during tracing shutdown: %v", err)
						}
					}()
				}
			}

			if err := w.engine.Start(ctx); err != nil {
				log.Fatal(err)
			}
			defer w.engine.Close()

			go func() {
				sig := make(chan os.Signal, 1)
				signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
				<-sig
				log.Println("Shutting down...")
				w.engine.Close()
				os.Exit(0)
			}()

			if err := startServer(router, cfg.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
