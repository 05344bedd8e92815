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

package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/turtacn/mqtt-bridge/pkg/bridge"
	"github.com/turtacn/mqtt-bridge/pkg/config"
)

// newSubscriptionsCmd builds the offline commands that read and edit the
// persisted subscriptions. They must not run while a bridge using the same
// file is serving, since the serving bridge rewrites the whole file.
func newSubscriptionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Inspect and edit persisted subscriptions",
	}
	cmd.AddCommand(
		newSubscriptionsListCmd(configPath),
		newSubscriptionsDeleteCmd(configPath),
		newSubscriptionsPurgeCmd(configPath),
	)
	return cmd
}

func offlineBridge(configPath string) (*bridge.Bridge, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Persistence.Disabled = false
	return newBridge(cfg)
}

func newSubscriptionsListCmd(configPath *string) *cobra.Command {
	var connectionID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := offlineBridge(*configPath)
			if err != nil {
				return err
			}
			subs := b.PersistentSubscriptions(connectionID)
			out := cmd.OutOrStdout()
			if len(subs) == 0 {
				fmt.Fprintln(out, color.YellowString("No persistent subscriptions found"))
				return nil
			}
			for _, id := range subs.ConnectionIDs() {
				fmt.Fprintf(out, "%s (%d)\n", color.New(color.Bold).Sprint(id), len(subs[id]))
				for _, e := range subs[id] {
					fmt.Fprintf(out, "  %s  qos %d\n", color.CyanString(e.Topic), e.QoS)
				}
			}
			fmt.Fprintf(out, "%d subscription(s) across %d connection(s)\n", subs.Count(), len(subs))
			return nil
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "only list this connection id")
	return cmd
}

func newSubscriptionsDeleteCmd(configPath *string) *cobra.Command {
	var connectionID string
	cmd := &cobra.Command{
		Use:   "delete <topic>",
		Short: "Delete a topic from the persisted subscriptions",
		Long: `Delete a topic from the persisted subscriptions of one connection, or of
every connection when --connection is not given. Connections left without
subscriptions are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := offlineBridge(*configPath)
			if err != nil {
				return err
			}
			report, err := b.DeleteSubscription(args[0], connectionID)
			if err != nil {
				return err
			}
			if report.PersistError != "" {
				return errors.New(report.PersistError)
			}
			printReport(cmd, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "only delete from this connection id")
	return cmd
}

func newSubscriptionsPurgeCmd(configPath *string) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every persisted subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := offlineBridge(*configPath)
			if err != nil {
				return err
			}
			report := b.DeleteAllSubscriptions(confirm)
			if report.Cancelled {
				return errors.New("operation cancelled, pass --confirm to delete all subscriptions")
			}
			if report.PersistError != "" {
				return errors.New(report.PersistError)
			}
			printReport(cmd, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm deleting all subscriptions")
	return cmd
}

func printReport(cmd *cobra.Command, report bridge.DeletionReport) {
	mark := color.GreenString("✓")
	if report.DeletedCount == 0 {
		mark = color.YellowString("!")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, report.Message)
}
