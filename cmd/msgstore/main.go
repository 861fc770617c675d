package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chinitadelrey/msgstore"
	"github.com/chinitadelrey/msgstore/utils"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msgstore",
		Short: "Inspect and reconcile a message store",
	}
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newStatsCmd())
	return cmd
}

func openStore(dir string, verbose bool) (*msgstore.Store, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return msgstore.Open(dir, msgstore.Options{
		Logger: utils.NewDefaultLogger(level),
	})
}

func newReconcileCmd() *cobra.Command {
	var dir string
	var verbose bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Mark messages stuck in the sending state as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dir, verbose)
			if err != nil {
				return err
			}
			defer store.Close()

			job := msgstore.NewFailedMessagesJob(store, msgstore.JobOptions{})
			// a CLI run wants a deterministic, synchronous index
			if err := job.BlockingRegisterStoreExtensions(); err != nil {
				return err
			}
			n, err := job.Run(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d message(s) marked failed\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "store directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count messages per delivery state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(dir, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := msgstore.DefaultRegistry.EnsureIndexBlocking(store, msgstore.StateIndex); err != nil {
				return err
			}
			states := []msgstore.DeliveryState{
				msgstore.StateSending,
				msgstore.StateSent,
				msgstore.StateDelivered,
				msgstore.StateRead,
				msgstore.StateFailed,
			}
			for _, st := range states {
				n := 0
				for range store.MessagesInState(st) {
					n++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", st, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "store directory")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
