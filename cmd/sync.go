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
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/weavehq/weavesync/model"
)

// syncCommands returns the command that runs one sync pass and exits. Useful
// for cron-driven deployments and for debugging a stuck sync.
func syncCommands(w *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "run one sync pass and exit",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			result, err := w.engine.TriggerSync(ctx)
			if err != nil {
				log.Printf("Sync pass failed: %v", err)
				if result == nil {
					os.Exit(1)
				}
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
		},
	}

	return cmd
}

// queueCommands returns queue inspection and recovery commands.
func queueCommands(w *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "inspect and recover the action queue",
	}

	cmd.AddCommand(queueListCommands(w))
	cmd.AddCommand(queueRetryCommands(w))

	return cmd
}

func queueListCommands(w *engineInstance) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list queue items by status",
		Run: func(cmd *cobra.Command, args []string) {
			items, err := w.engine.ListQueueItems(context.Background(), status, limit, 0)
			if err != nil {
				log.Fatalf("Error listing queue items: %v", err)
			}
			for _, item := range items {
				line := fmt.Sprintf("%s  %-22s  %-10s  retries=%d", item.ID, item.OperationType, item.Status, item.RetryCount)
				if item.LastError != "" {
					line += "  " + item.LastError
				}
				fmt.Println(line)
			}
			fmt.Printf("%d items\n", len(items))
		},
	}

	cmd.Flags().StringVar(&status, "status", model.QueueStatusPending, "queue status to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items to list")

	return cmd
}

func queueRetryCommands(w *engineInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "reset failed queue items and drain",
		Run: func(cmd *cobra.Command, args []string) {
			count, err := w.engine.RetryFailedOperations(context.Background())
			if err != nil {
				log.Fatalf("Error retrying failed items: %v", err)
			}
			fmt.Printf("Reset %d failed items\n", count)
		},
	}

	return cmd
}
